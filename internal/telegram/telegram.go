// Package telegram implements the session provider on top of the gotd MTProto client.
//
// A Provider opens one client per session, persisted in a gotd file session.
// Renewal reuses the same session file and, when allowed, runs a QR login
// rendered to the terminal or a file.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth/qrlogin"
	"github.com/gotd/td/telegram/peers"
	gotdsession "github.com/gotd/td/session"
	"github.com/gotd/td/tg"
	"github.com/mdp/qrterminal/v3"

	"github.com/BTreeMap/ChannelPipe/internal/models"
	"github.com/BTreeMap/ChannelPipe/internal/session"
)

// Constants for the Telegram client
const (
	// DefaultRetrieveLimit is used when a query carries no limit
	DefaultRetrieveLimit = 20
	// MaxRetrieveLimit is the largest page messages.getHistory returns
	MaxRetrieveLimit = 100
	// probeTimeout bounds the liveness check
	probeTimeout = 5 * time.Second
)

// Opts holds configuration options for the Telegram provider.
type Opts struct {
	QRPath    string // path to write the login QR code; stdout when empty
	PrintLink bool   // print the tg://login link instead of a QR code
	Logger    *slog.Logger
}

// Option defines a configuration option for the provider.
type Option func(*Opts)

// WithQRCodeOutput writes the login QR code to the specified path.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) { o.QRPath = path }
}

// WithLoginLink prints the login link instead of rendering a QR code.
func WithLoginLink() Option {
	return func(o *Opts) { o.PrintLink = true }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Opts) { o.Logger = logger }
}

// Provider connects to Telegram with a fixed application identity and session file.
type Provider struct {
	appID       int
	appHash     string
	sessionPath string
	opts        Opts
	logger      *slog.Logger
}

// NewProvider validates the application identity and returns a Provider.
func NewProvider(appID int, appHash, sessionPath string, opts ...Option) (*Provider, error) {
	if appID <= 0 || strings.TrimSpace(appHash) == "" {
		return nil, fmt.Errorf("%w: api id and api hash are required", session.ErrConfigInvalid)
	}
	if sessionPath == "" {
		return nil, fmt.Errorf("%w: session path is required", session.ErrConfigInvalid)
	}
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		appID:       appID,
		appHash:     appHash,
		sessionPath: sessionPath,
		opts:        cfg,
		logger:      logger.With("component", "telegram"),
	}, nil
}

// Connect starts a client and waits until it is authorized.
// The connection outlives ctx; it ends when the handle is disconnected.
func (p *Provider) Connect(ctx context.Context, opts session.ConnectOptions) (session.Handle, error) {
	dispatcher := tg.NewUpdateDispatcher()
	loggedIn := qrlogin.OnLoginToken(dispatcher)
	client := telegram.NewClient(p.appID, p.appHash, telegram.Options{
		SessionStorage: &gotdsession.FileStorage{Path: p.sessionPath},
		UpdateHandler:  dispatcher,
	})

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &Handle{
		client: client,
		api:    client.API(),
		cancel: cancel,
		done:   make(chan error, 1),
		peers:  make(map[string]tg.InputPeerClass),
		logger: p.logger,
	}
	h.resolver = peers.Options{}.Build(h.api)

	ready := make(chan error, 1)
	go func() {
		h.done <- client.Run(runCtx, func(ctx context.Context) error {
			if err := p.authorize(ctx, client, loggedIn, opts); err != nil {
				ready <- err
				return err
			}
			ready <- nil
			<-ctx.Done()
			return nil
		})
	}()

	select {
	case err := <-ready:
		if err != nil {
			cancel()
			<-h.done
			return nil, classify(err)
		}
	case err := <-h.done:
		cancel()
		if err == nil {
			err = errors.New("client stopped before authorization")
		}
		return nil, classify(err)
	case <-ctx.Done():
		cancel()
		return nil, fmt.Errorf("%w: connect: %w", session.ErrTransient, ctx.Err())
	}

	p.logger.Debug("Telegram client authorized", "renew", opts.Renew)
	return h, nil
}

// authorize checks the stored session and, on renewal, runs the QR login.
func (p *Provider) authorize(ctx context.Context, client *telegram.Client, loggedIn qrlogin.LoggedIn, opts session.ConnectOptions) error {
	status, err := client.Auth().Status(ctx)
	if err != nil {
		return err
	}
	if status.Authorized {
		return nil
	}
	if !opts.Renew {
		return fmt.Errorf("%w: stored session is not authorized", session.ErrNeedsReauth)
	}
	if !opts.Interactive {
		return fmt.Errorf("%w: stored session is not authorized and interactive login is disabled", session.ErrNeedsReauth)
	}

	p.logger.Info("Telegram login required; starting QR code flow")
	writer := io.Writer(os.Stdout)
	if p.opts.QRPath != "" {
		f, ferr := os.Create(p.opts.QRPath)
		if ferr != nil {
			return fmt.Errorf("failed to create QR file: %w", ferr)
		}
		defer f.Close()
		writer = f
	}

	_, err = client.QR().Auth(ctx, loggedIn, func(ctx context.Context, token qrlogin.Token) error {
		p.logger.Info("Telegram login token issued", "expires", token.Expires())
		if p.opts.PrintLink {
			fmt.Fprintln(writer, token.URL())
		} else {
			qrterminal.GenerateHalfBlock(token.URL(), qrterminal.L, writer)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("QR login failed: %w", err)
	}
	p.logger.Info("Telegram QR login completed")
	return nil
}

// Handle is a connected Telegram client.
type Handle struct {
	client   *telegram.Client
	api      *tg.Client
	resolver *peers.Manager
	cancel   context.CancelFunc
	done     chan error
	logger   *slog.Logger

	mu    sync.Mutex
	peers map[string]tg.InputPeerClass
}

// Probe reports whether the session still answers a "who am I" call.
func (h *Handle) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if _, err := h.client.Self(ctx); err != nil {
		h.logger.Debug("Telegram liveness probe failed", "error", err)
		return false
	}
	return true
}

// Retrieve returns up to q.Limit messages of q.Channel newer than q.AfterID,
// or the most recent ones when AfterID is zero. With a cursor the page is the
// oldest messages past it, so a backlog larger than the limit drains over
// several cycles instead of skipping the middle.
func (h *Handle) Retrieve(ctx context.Context, q session.Query) ([]models.RetrievedMessage, error) {
	peer, err := h.resolve(ctx, q.Channel)
	if err != nil {
		return nil, err
	}

	limit := q.Limit
	if limit <= 0 {
		limit = DefaultRetrieveLimit
	}
	if limit > MaxRetrieveLimit {
		limit = MaxRetrieveLimit
	}
	req := &tg.MessagesGetHistoryRequest{Peer: peer, Limit: limit}
	if q.AfterID > 0 {
		// History is newest first; a negative add_offset walks from the cursor towards newer ids.
		req.OffsetID = int(q.AfterID) + 1
		req.AddOffset = -limit
		req.MinID = int(q.AfterID)
	}

	res, err := h.api.MessagesGetHistory(ctx, req)
	if err != nil {
		return nil, classify(err)
	}
	modified, ok := res.AsModified()
	if !ok {
		return nil, nil
	}
	return convertMessages(q.Channel, modified.GetMessages()), nil
}

func (h *Handle) resolve(ctx context.Context, channel string) (tg.InputPeerClass, error) {
	h.mu.Lock()
	peer, ok := h.peers[channel]
	h.mu.Unlock()
	if ok {
		return peer, nil
	}

	resolved, err := h.resolver.Resolve(ctx, channel)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve channel %s: %w", channel, classify(err))
	}
	peer = resolved.InputPeer()

	h.mu.Lock()
	h.peers[channel] = peer
	h.mu.Unlock()
	return peer, nil
}

// Disconnect stops the client and waits for it to exit or ctx to end.
func (h *Handle) Disconnect(ctx context.Context) error {
	h.cancel()
	select {
	case err := <-h.done:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// convertMessages maps raw history entries onto RetrievedMessage. Service
// messages keep their id with empty text so the id is consumed.
func convertMessages(channel string, raw []tg.MessageClass) []models.RetrievedMessage {
	out := make([]models.RetrievedMessage, 0, len(raw))
	for _, mc := range raw {
		switch m := mc.(type) {
		case *tg.Message:
			out = append(out, models.RetrievedMessage{
				MessageID: int64(m.ID),
				ChannelID: channel,
				Text:      m.Message,
				Timestamp: time.Unix(int64(m.Date), 0).UTC(),
				AuthorRef: authorRef(m),
			})
		case *tg.MessageService:
			out = append(out, models.RetrievedMessage{
				MessageID: int64(m.ID),
				ChannelID: channel,
				Timestamp: time.Unix(int64(m.Date), 0).UTC(),
			})
		}
	}
	return out
}

// authorRef identifies the author from data already in the message.
func authorRef(m *tg.Message) string {
	if from, ok := m.GetFromID(); ok {
		switch p := from.(type) {
		case *tg.PeerUser:
			return fmt.Sprintf("user:%d", p.UserID)
		case *tg.PeerChannel:
			return fmt.Sprintf("channel:%d", p.ChannelID)
		case *tg.PeerChat:
			return fmt.Sprintf("chat:%d", p.ChatID)
		}
	}
	if sig, ok := m.GetPostAuthor(); ok && sig != "" {
		return "signature:" + sig
	}
	return ""
}
