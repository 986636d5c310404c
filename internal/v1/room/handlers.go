package room

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/tensorstudio/collab-hub/internal/v1/bus"
	"github.com/tensorstudio/collab-hub/internal/v1/crdt"
	"github.com/tensorstudio/collab-hub/internal/v1/logging"
	"github.com/tensorstudio/collab-hub/internal/v1/metrics"
	"github.com/tensorstudio/collab-hub/internal/v1/protocol"
	"github.com/tensorstudio/collab-hub/internal/v1/types"
)

// HandleClientConnect attaches a session and runs the handshake: the server's
// syncStep1 (its state vector) followed by the awareness snapshot when one
// exists.
func (r *Room) HandleClientConnect(s types.SessionInterface) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sessions[s.GetID()] = s
	r.announced[s.GetID()] = set.New[uint32]()
	metrics.RoomParticipants.WithLabelValues(string(r.ID)).Set(float64(len(r.sessions)))

	s.Send(protocol.EncodeSyncStep1(r.doc.EncodeStateVector()))
	if snapshot := r.awareness.EncodeAll(); snapshot != nil {
		s.Send(protocol.EncodeAwareness(snapshot))
	}

	logging.Info(context.Background(), "Session attached",
		zap.String("roomId", string(r.ID)),
		zap.String("sessionId", string(s.GetID())),
		zap.String("userId", s.GetUserID()),
		zap.Int("participants", len(r.sessions)))
}

// HandleClientDisconnect detaches a session, removes the awareness entries
// that connection announced, and notifies the manager when the room empties.
func (r *Room) HandleClientDisconnect(s types.SessionInterface) {
	r.mu.Lock()

	id := s.GetID()
	if _, attached := r.sessions[id]; !attached {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, id)

	if owned := r.announced[id]; owned.Len() > 0 {
		if removal := r.awareness.RemoveStates(owned.UnsortedList()); removal != nil {
			frame := protocol.EncodeAwareness(removal)
			r.broadcast(frame, "")
			r.publishAsync(bus.KindAwareness, frame)
		}
	}
	delete(r.announced, id)

	empty := len(r.sessions) == 0
	metrics.RoomParticipants.WithLabelValues(string(r.ID)).Set(float64(len(r.sessions)))
	logging.Info(context.Background(), "Session detached",
		zap.String("roomId", string(r.ID)),
		zap.String("sessionId", string(id)),
		zap.Int("participants", len(r.sessions)))
	r.mu.Unlock()

	if empty && r.onEmpty != nil {
		r.onEmpty(r.ID)
	}
}

// Router dispatches one inbound binary frame from a session. Malformed and
// unknown frames are dropped; the session continues.
func (r *Room) Router(ctx context.Context, s types.SessionInterface, data []byte) {
	frame, err := protocol.DecodeFrame(data)
	if err != nil {
		switch {
		case errors.Is(err, protocol.ErrUnknownMessage), errors.Is(err, protocol.ErrUnknownSyncType):
			// Forward compatibility: silently drop types we do not speak.
			metrics.FramesDropped.WithLabelValues("unknown_type").Inc()
		default:
			metrics.FramesDropped.WithLabelValues("decode_error").Inc()
			logging.Warn(ctx, "Dropping malformed frame",
				zap.String("roomId", string(r.ID)),
				zap.String("sessionId", string(s.GetID())),
				zap.Error(err))
		}
		return
	}

	timer := prometheus.NewTimer(metrics.MessageProcessingDuration.WithLabelValues(messageLabel(frame)))
	defer timer.ObserveDuration()

	r.mu.Lock()
	defer r.mu.Unlock()

	switch frame.Type {
	case protocol.MessageSync:
		r.routeSync(ctx, s, frame)
	case protocol.MessageAwareness:
		r.routeAwareness(ctx, s, frame.Payload, data)
	}
}

func (r *Room) routeSync(ctx context.Context, s types.SessionInterface, frame protocol.Frame) {
	switch frame.SyncType {
	case protocol.MessageSyncStep1:
		sv, err := crdt.DecodeStateVector(frame.Payload)
		if err != nil {
			metrics.FramesDropped.WithLabelValues("decode_error").Inc()
			logging.Warn(ctx, "Dropping malformed state vector",
				zap.String("sessionId", string(s.GetID())), zap.Error(err))
			return
		}
		// Never answer with a zero-payload syncStep2.
		if diff := r.doc.DiffUpdate(sv); diff != nil {
			s.Send(protocol.EncodeSyncStep2(diff))
		}

	case protocol.MessageSyncStep2, protocol.MessageSyncUpdate:
		if s.GetRole() == types.RoleTypeView {
			metrics.FramesDropped.WithLabelValues("read_only").Inc()
			return
		}
		origin := Origin{Kind: OriginSyncReply, Session: s.GetID()}
		if frame.SyncType == protocol.MessageSyncUpdate {
			origin.Kind = OriginSession
		}
		if err := r.doc.ApplyUpdate(frame.Payload, origin); err != nil {
			// Should not occur under correct clients; drop and continue.
			metrics.FramesDropped.WithLabelValues("apply_error").Inc()
			logging.Error(ctx, "Failed to apply update",
				zap.String("roomId", string(r.ID)),
				zap.String("sessionId", string(s.GetID())),
				zap.Error(err))
		}
	}
}

// routeAwareness merges a delta and rebroadcasts the original frame to every
// session, originator included; clients discard their own echo by client id.
func (r *Room) routeAwareness(ctx context.Context, s types.SessionInterface, payload []byte, raw []byte) {
	ch, err := r.awareness.ApplyUpdate(payload)
	if err != nil {
		metrics.FramesDropped.WithLabelValues("decode_error").Inc()
		logging.Warn(ctx, "Dropping malformed awareness delta",
			zap.String("sessionId", string(s.GetID())), zap.Error(err))
		return
	}

	if owned, ok := r.announced[s.GetID()]; ok {
		owned.Insert(ch.Touched()...)
	}

	if ch.Dirty() {
		r.broadcast(raw, "")
		r.publishAsync(bus.KindAwareness, raw)
	}
}

func messageLabel(frame protocol.Frame) string {
	if frame.Type == protocol.MessageAwareness {
		return "awareness"
	}
	switch frame.SyncType {
	case protocol.MessageSyncStep1:
		return "sync_step1"
	case protocol.MessageSyncStep2:
		return "sync_step2"
	default:
		return "sync_update"
	}
}
