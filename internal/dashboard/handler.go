package dashboard

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/adrata/desktop-sync/internal/ledger"
	"github.com/adrata/desktop-sync/internal/syncdb"
)

// Handler formats sync engine events as dashboard messages. It bridges
// between the workers and the WebSocket server.
type Handler struct {
	server *Server
	ledger *ledger.Ledger
	logger *log.Logger
}

// NewHandler creates a new event handler connected to a dashboard server
func NewHandler(server *Server, ldg *ledger.Ledger, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{
		server: server,
		ledger: ldg,
		logger: logger,
	}
}

// OnPushComplete handles push cycle completion events
func (h *Handler) OnPushComplete(pushed, retried, failed int, elapsed time.Duration) {
	data := PushCompleteData{
		Pushed:  pushed,
		Retried: retried,
		Failed:  failed,
		Elapsed: elapsed,
	}
	h.broadcast(MessageTypePushComplete, data)
	h.broadcastStatus()
}

// OnPullComplete handles pull cycle completion events
func (h *Handler) OnPullComplete(table string, applied int, elapsed time.Duration) {
	data := PullCompleteData{
		Table:   table,
		Applied: applied,
		Elapsed: elapsed,
	}
	h.broadcast(MessageTypePullComplete, data)
	h.broadcastStatus()
}

// OnConflictDetected handles conflict detection events
func (h *Handler) OnConflictDetected(c *syncdb.Conflict) {
	h.logger.Printf("Conflict detected: %s/%s (local v%d, remote v%d)",
		c.Table, c.RecordID, c.LocalVersion, c.RemoteVersion)

	data := ConflictData{
		ConflictID:    c.ID,
		Table:         c.Table,
		RecordID:      c.RecordID,
		LocalVersion:  c.LocalVersion,
		RemoteVersion: c.RemoteVersion,
	}
	h.broadcast(MessageTypeConflict, data)
}

// OnConflictResolved handles conflict resolution events
func (h *Handler) OnConflictResolved(c *syncdb.Conflict) {
	h.logger.Printf("Conflict resolved: %s/%s as %s by %s",
		c.Table, c.RecordID, c.Resolution, c.ResolvedBy)

	data := ConflictData{
		ConflictID: c.ID,
		Table:      c.Table,
		RecordID:   c.RecordID,
		Resolution: c.Resolution,
		ResolvedBy: c.ResolvedBy,
	}
	h.broadcast(MessageTypeResolution, data)
	h.broadcastStatus()
}

// broadcastStatus sends a fresh derived status snapshot to all clients
func (h *Handler) broadcastStatus() {
	if h.ledger == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	snap, err := h.ledger.Status(ctx)
	if err != nil {
		h.logger.Printf("Failed to build status snapshot: %v", err)
		return
	}
	h.broadcast(MessageTypeStatus, snap)
}

func (h *Handler) broadcast(typ MessageType, data interface{}) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		h.logger.Printf("Failed to marshal %s data: %v", typ, err)
		return
	}
	h.server.Broadcast(Message{
		Type:      typ,
		Timestamp: time.Now(),
		Data:      dataJSON,
	})
}
