package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/cwygoda/distillery/internal/broadcast"
	"github.com/cwygoda/distillery/internal/domain"
)

const writeWait = 10 * time.Second

// handleStatusStream streams every job transition.
func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	sub := s.events.SubscribeStatus()
	defer sub.Close()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Debug("websocket upgrade")
		return
	}
	defer conn.Close()

	log := s.log.WithField("remote", r.RemoteAddr)
	log.Debug("status subscriber connected")
	pump(conn, sub, s.opts.Heartbeat, nil, log)
	log.WithField("dropped", sub.Dropped()).Debug("status subscriber gone")
}

// handleLogStream replays a job's stored log lines, then streams new ones.
func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, err := s.svc.Get(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, "log stream", err)
		return
	}

	// Subscribe before reading history so nothing falls between the two.
	sub := s.events.SubscribeLogs(id)
	defer sub.Close()

	history, err := s.svc.Logs(r.Context(), id, 0)
	if err != nil {
		s.writeServiceError(w, "log stream", err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Debug("websocket upgrade")
		return
	}
	defer conn.Close()

	log := s.log.WithFields(logrus.Fields{"job_id": id, "remote": r.RemoteAddr})
	var replayed int64
	for _, ev := range history {
		if err := writeJSON(conn, ev); err != nil {
			return
		}
		replayed = max(replayed, ev.Seq)
	}

	// The job may have finished since it was first read. Lines stored after
	// the replay are sent before closing.
	if !job.Status.IsTerminal() {
		if current, err := s.svc.Get(r.Context(), id); err == nil && current.Status.IsTerminal() {
			job = current
			tail, err := s.svc.Logs(r.Context(), id, 0)
			if err != nil {
				log.WithError(err).Warn("reload log history")
			}
			for _, ev := range tail {
				if ev.Seq <= replayed {
					continue
				}
				if err := writeJSON(conn, ev); err != nil {
					return
				}
			}
		}
	}
	if job.Status.IsTerminal() {
		closeNormal(conn, "job finished")
		return
	}

	log.Debug("log subscriber connected")
	pump(conn, sub, s.opts.Heartbeat, func(ev domain.LogEvent) bool { return ev.Seq <= replayed }, log)
	log.Debug("log subscriber gone")
}

// pump writes events from sub to conn until either side goes away. Events
// for which skip returns true are not sent.
func pump[T any](conn *websocket.Conn, sub *broadcast.Subscription[T], heartbeat time.Duration, skip func(T) bool, log logrus.FieldLogger) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Reads only detect the peer closing; clients send nothing meaningful.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	events := make(chan T)
	go func() {
		defer close(events)
		for ev := range sub.All(ctx) {
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	var ping <-chan time.Time
	if heartbeat > 0 {
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() == nil {
					log.Warn("subscription closed by broadcaster")
					closeWith(conn, websocket.CloseGoingAway, "stream closed")
				}
				return
			}
			if skip != nil && skip(ev) {
				continue
			}
			if err := writeJSON(conn, ev); err != nil {
				log.WithError(err).Debug("websocket write")
				return
			}
		case <-ping:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.WithError(err).Debug("websocket ping")
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func writeJSON(conn *websocket.Conn, v any) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}

func closeNormal(conn *websocket.Conn, reason string) {
	closeWith(conn, websocket.CloseNormalClosure, reason)
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
