package blocklist

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/sirenhq/siren/auth"
	"github.com/sirenhq/siren/keyvalue"
	"github.com/sirenhq/siren/services/httpd"
	"github.com/sirenhq/siren/services/storage"
)

const blocklistNamespace = "blocklist_store"

type Diagnostic interface {
	Error(msg string, err error, ctx ...keyvalue.T)
	BlockLookupFailed(sender string, err error)
	BlockedSender(sender, by string)
	UnblockedSender(sender string)
}

// Service maintains the sender block-list and answers the IsBlocked
// question for the alert lifecycle.
type Service struct {
	diag   Diagnostic
	routes []httpd.Route

	StorageService interface {
		Store(namespace string) storage.Interface
		Register(name string, store storage.StoreActioner)
	}
	HTTPDService interface {
		AddRoutes([]httpd.Route) error
		DelRoutes([]httpd.Route)
	}

	entries BlockEntryDAO
}

func NewService(d Diagnostic) *Service {
	return &Service{
		diag: d,
	}
}

func (s *Service) Open() error {
	if s.StorageService == nil {
		return errors.New("missing storage service")
	}
	if s.HTTPDService == nil {
		return errors.New("missing httpd service")
	}
	store := s.StorageService.Store(blocklistNamespace)
	entries, err := newBlockEntryKV(store)
	if err != nil {
		return err
	}
	s.entries = entries
	s.StorageService.Register("blocklist", entries)

	s.routes = []httpd.Route{
		{
			Method:      "POST",
			Pattern:     "/admin/block-user",
			HandlerFunc: s.handleBlock,
		},
		{
			Method:      "POST",
			Pattern:     "/admin/unblock-user",
			HandlerFunc: s.handleUnblock,
		},
		{
			Method:      "GET",
			Pattern:     "/admin/blocked-users",
			HandlerFunc: s.handleList,
		},
		{
			// Satisfy CORS checks.
			Method:      "OPTIONS",
			Pattern:     "/admin/block-user",
			HandlerFunc: httpd.ServeOptions,
		},
		{
			Method:      "OPTIONS",
			Pattern:     "/admin/unblock-user",
			HandlerFunc: httpd.ServeOptions,
		},
	}
	return s.HTTPDService.AddRoutes(s.routes)
}

func (s *Service) Close() error {
	if s.HTTPDService != nil {
		s.HTTPDService.DelRoutes(s.routes)
	}
	return nil
}

// IsBlocked reports whether the sender is barred from raising alerts.
// A lookup failure fails OPEN: emergency reporting must never be
// suppressed by an infrastructure fault, so a storage error counts as
// not blocked.
func (s *Service) IsBlocked(senderID string) bool {
	e, err := s.entries.Get(senderID)
	if err == ErrNoBlockEntryExists {
		return false
	} else if err != nil {
		s.diag.BlockLookupFailed(senderID, err)
		return false
	}
	return e.Blocked
}

// Block bars a sender. ErrBlockEntryExists is returned if the sender
// is already blocked.
func (s *Service) Block(senderID, reason, by string) (BlockEntry, error) {
	existing, err := s.entries.Get(senderID)
	if err == nil && existing.Blocked {
		return BlockEntry{}, ErrBlockEntryExists
	} else if err != nil && err != ErrNoBlockEntryExists {
		return BlockEntry{}, err
	}
	e := BlockEntry{
		SenderID:  senderID,
		Blocked:   true,
		Reason:    reason,
		BlockedBy: by,
		BlockedAt: time.Now().UTC(),
	}
	if err := s.entries.Put(e); err != nil {
		return BlockEntry{}, err
	}
	s.diag.BlockedSender(senderID, by)
	return e, nil
}

// Unblock removes the block for a sender. ErrNoBlockEntryExists is
// returned if the sender is not blocked.
func (s *Service) Unblock(senderID string) error {
	e, err := s.entries.Get(senderID)
	if err != nil {
		return err
	}
	if !e.Blocked {
		return ErrNoBlockEntryExists
	}
	if err := s.entries.Delete(senderID); err != nil {
		return err
	}
	s.diag.UnblockedSender(senderID)
	return nil
}

// List returns all block entries.
func (s *Service) List() ([]BlockEntry, error) {
	return s.entries.List("", 0, -1)
}

type blockRequest struct {
	SenderID string `json:"sender_id"`
	Reason   string `json:"reason"`
}

func (s *Service) handleBlock(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	var req blockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpd.HttpError(w, "invalid json: "+err.Error(), true, http.StatusBadRequest)
		return
	}
	if req.SenderID == "" {
		httpd.HttpError(w, "sender_id is required", true, http.StatusBadRequest)
		return
	}
	e, err := s.Block(req.SenderID, req.Reason, p.Email)
	if err == ErrBlockEntryExists {
		httpd.HttpError(w, "sender is already blocked", true, http.StatusConflict)
		return
	} else if err != nil {
		httpd.HttpError(w, err.Error(), true, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write(httpd.MarshalJSON(e, true))
}

type unblockRequest struct {
	SenderID string `json:"sender_id"`
}

func (s *Service) handleUnblock(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	var req unblockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpd.HttpError(w, "invalid json: "+err.Error(), true, http.StatusBadRequest)
		return
	}
	if req.SenderID == "" {
		httpd.HttpError(w, "sender_id is required", true, http.StatusBadRequest)
		return
	}
	err := s.Unblock(req.SenderID)
	if err == ErrNoBlockEntryExists {
		httpd.HttpError(w, "sender is not blocked", true, http.StatusNotFound)
		return
	} else if err != nil {
		httpd.HttpError(w, err.Error(), true, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write(httpd.MarshalJSON(map[string]string{"sender_id": req.SenderID, "status": "unblocked"}, true))
}

func (s *Service) handleList(w http.ResponseWriter, r *http.Request) {
	entries, err := s.List()
	if err != nil {
		httpd.HttpError(w, err.Error(), true, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write(httpd.MarshalJSON(entries, true))
}
