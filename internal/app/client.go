package app

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math"
	"net/url"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/amerkoleci/rbfx/internal/config"
	"github.com/amerkoleci/rbfx/internal/proto"
	"github.com/amerkoleci/rbfx/internal/replica"
	"github.com/amerkoleci/rbfx/internal/replica/behaviors"
	"github.com/amerkoleci/rbfx/internal/scene"
	"github.com/amerkoleci/rbfx/internal/session"
	"github.com/amerkoleci/rbfx/internal/trace"
	"github.com/amerkoleci/rbfx/internal/transport"
	"github.com/amerkoleci/rbfx/internal/transport/quic"
	"github.com/amerkoleci/rbfx/internal/transport/ws"
)

// ClientReport summarises the client replica at one point in time.
type ClientReport struct {
	Peer        replica.PeerID
	LatestFrame trace.Frame
	Objects     int
	Owned       int
	Broken      int
	Desyncs     int
}

// Dial opens a connection for a ws://, wss:// or quic:// address.
func Dial(ctx context.Context, cfg config.ClientConfig, opts Options) (transport.Conn, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse client url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
		return ws.Dial(ctx, cfg.URL, ws.DialConfig{Logger: opts.Logger})
	case "quic":
		tlsConf := &tls.Config{InsecureSkipVerify: cfg.Insecure} //nolint:gosec // development servers use self-signed certificates
		return quic.Dial(ctx, u.Host, tlsConf, 0, opts.Logger)
	default:
		return nil, fmt.Errorf("unsupported client url scheme %q", u.Scheme)
	}
}

// RunClient mirrors the server at cfg.Client.URL until ctx is cancelled or
// the connection fails. onReport, when set, receives a report every
// ReportInterval in place of the log line.
func RunClient(ctx context.Context, cfg config.Config, opts Options, onReport func(ClientReport)) error {
	opts = opts.withDefaults()
	amb, err := newAmbient(cfg, opts, "client")
	if err != nil {
		return err
	}
	defer amb.close()
	logger := amb.logger

	library, err := LoadLibrary(cfg)
	if err != nil {
		return err
	}
	conn, err := Dial(ctx, cfg.Client, opts)
	if err != nil {
		return err
	}
	logger.Printf("connected to %s over %s", conn.RemoteAddr(), conn.Transport())

	client := session.NewClientReplica(scene.NewGraph(), library, conn, session.ClientConfig{
		InterpolationDelay: cfg.Client.InterpolationDelay,
		MaxDatagramSize:    cfg.Server.MaxDatagramSize,
		ResyncCooldown:     trace.Frame(cfg.Client.ResyncCooldown),
	}, amb.deps())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	inbox := session.NewInbox(cfg.Server.InboxCapacity, amb.metrics)
	pumpErr := make(chan error, 1)
	go func() {
		pumpErr <- transport.Pump(ctx, conn, func(data []byte, reliable bool) error {
			msg, err := proto.Decode(data)
			if err != nil {
				if reliable {
					return fmt.Errorf("decode reliable message: %w", err)
				}
				return nil
			}
			if !inbox.Push(session.Inbound{Message: msg, Received: time.Now()}) && reliable {
				return errors.New("client inbox overflow")
			}
			return nil
		})
	}()

	frameDuration := time.Second / time.Duration(cfg.Client.FrameRate)
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	reportEvery := cfg.Client.ReportInterval
	if reportEvery <= 0 {
		reportEvery = time.Second
	}
	nextReport := time.Now().Add(reportEvery)
	last := time.Now()
	desyncs := 0

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-pumpErr:
			if errors.Is(err, transport.ErrClosed) {
				return nil
			}
			return err
		case now := <-ticker.C:
			for _, in := range inbox.Drain() {
				if err := client.Apply(ctx, in.Message); err != nil {
					var desync *replica.DesyncError
					if errors.As(err, &desync) {
						desyncs++
						continue
					}
					logger.Printf("[client] apply %s: %v", in.Message.Type(), err)
				}
			}
			steerAvatars(client, now)
			if err := client.Step(ctx, now.Sub(last)); err != nil {
				logger.Printf("[client] step: %v", err)
			}
			last = now

			if now.After(nextReport) {
				nextReport = now.Add(reportEvery)
				report := buildReport(client, desyncs)
				if onReport != nil {
					onReport(report)
				} else {
					logger.Printf("[client] peer=%d frame=%d objects=%d owned=%d broken=%d desyncs=%d",
						report.Peer, report.LatestFrame, report.Objects, report.Owned, report.Broken, report.Desyncs)
				}
			}
		}
	}
}

// steerAvatars feeds a slowly turning direction into every owned input
// behavior so the server has feedback to apply.
func steerAvatars(client *session.ClientReplica, now time.Time) {
	if !client.Clock().Synced() {
		return
	}
	angle := float64(now.UnixMilli()%10000) / 10000 * 2 * math.Pi
	dir := mgl64.Vec3{math.Cos(angle), 0, math.Sin(angle)}
	frame := client.Clock().InputTime().Frame
	for _, obj := range client.Registry().Ordered() {
		composite, ok := obj.(*replica.BehaviorObject)
		if !ok || !obj.Owned() || client.Broken(obj.ID()) {
			continue
		}
		if input, ok := replica.FindBehavior[*behaviors.InputFeedback](composite); ok {
			input.SetInput(frame, dir)
		}
	}
}

func buildReport(client *session.ClientReplica, desyncs int) ClientReport {
	peer, _, _ := client.Peer()
	report := ClientReport{Peer: peer, LatestFrame: client.Clock().LatestFrame(), Desyncs: desyncs}
	for _, obj := range client.Registry().Ordered() {
		report.Objects++
		if obj.Owned() {
			report.Owned++
		}
		if client.Broken(obj.ID()) {
			report.Broken++
		}
	}
	return report
}
