package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"

	"tradeterm/internal/errs"
	"tradeterm/internal/hub"
)

const writeTimeout = 5 * time.Second

var errSlowClient = errors.New("event client too slow, frame dropped")

// parseKinds reads the comma separated kinds filter. Empty means every kind.
func parseKinds(raw string) ([]hub.Kind, error) {
	if strings.TrimSpace(raw) == "" {
		return append([]hub.Kind(nil), hub.Kinds...), nil
	}
	var kinds []hub.Kind
	seen := make(map[hub.Kind]bool)
	for _, part := range strings.Split(raw, ",") {
		k, ok := hub.ParseKind(strings.TrimSpace(part))
		if !ok {
			return nil, errs.New("api.events", errs.CodeInvalid,
				errs.WithMessage("unknown event kind"), errs.WithField("kind", part))
		}
		if !seen[k] {
			seen[k] = true
			kinds = append(kinds, k)
		}
	}
	return kinds, nil
}

// handleEvents upgrades to a websocket and forwards hub events to the
// client until either side goes away. Each connection is its own hub
// subscriber and is released when the connection ends.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	kinds, err := parseKinds(r.URL.Query().Get("kinds"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: s.allowAnyOrigin})
	if err != nil {
		s.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.CloseNow()

	id := hub.NewSubscriberID()
	log := s.log.With("subscriber", string(id), "remote", r.RemoteAddr)
	out := make(chan Event, s.eventBuffer)
	for _, k := range kinds {
		s.hub.Subscribe(id, k, func(payload any) error {
			select {
			case out <- Event{Kind: k, Time: s.now().UTC(), Payload: payload}:
				return nil
			default:
				return errSlowClient
			}
		})
	}
	defer s.hub.ReleaseAll(id)
	log.Info("event client connected", "kinds", len(kinds))

	g, ctx := errgroup.WithContext(r.Context())
	// Clients only send control frames; a read error means they left.
	g.Go(func() error {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return err
			}
		}
	})
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case ev := <-out:
				if err := writeEvent(ctx, conn, ev); err != nil {
					return err
				}
			}
		}
	})

	err = g.Wait()
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		log.Info("event client disconnected")
	default:
		if errors.Is(err, context.Canceled) {
			log.Info("event stream closed by server")
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		}
		log.Warn("event stream ended", "error", err)
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}
