package sos

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/sirenhq/siren/auth"
	"github.com/sirenhq/siren/keyvalue"
	"github.com/sirenhq/siren/services/httpd"
	"github.com/sirenhq/siren/services/push"
	"github.com/sirenhq/siren/services/storage"
)

const sosNamespace = "sos_store"

// expiredBySweeper is stamped on rows the sweeper force-transitions.
const expiredBySweeper = "scheduled_job"

// ErrSenderBlocked is returned when a blocked sender attempts a raise.
var ErrSenderBlocked = errors.New("sender is blocked")

// ValidationError marks a request rejected for missing or malformed
// required fields.
type ValidationError string

func (e ValidationError) Error() string { return string(e) }

type Diagnostic interface {
	Error(msg string, err error, ctx ...keyvalue.T)
	AlertRaised(sender, district string)
	AlertResolved(sender, district string)
	DeliveryFailed(sender, district string, err error)
	BridgePublishFailed(topic string, err error)
}

// Service is the alert lifecycle engine. It owns the snapshot store and
// drives the push and MQTT fan-outs.
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
	AuthService interface {
		AuthorizeAdmin(p auth.Principal) (auth.Scope, error)
	}
	BlocklistService interface {
		IsBlocked(senderID string) bool
	}
	PushService interface {
		Alert(m push.Message) (messageID string, err error)
	}
	// Optional secondary fan-out, best-effort.
	MQTTService interface {
		Enabled() bool
		Publish(topic string, message []byte) error
	}
	StatsService interface {
		AlertRaised()
		AlertResolved()
		BlockedRaise()
		Delivered()
		DeliveryFailed()
	}

	snapshots SnapshotDAO
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
	if s.BlocklistService == nil {
		return errors.New("missing blocklist service")
	}
	if s.PushService == nil {
		return errors.New("missing push service")
	}
	store := s.StorageService.Store(sosNamespace)
	snapshots, err := newSnapshotKV(store)
	if err != nil {
		return err
	}
	s.snapshots = snapshots
	s.StorageService.Register("alerts", snapshots)

	return s.HTTPDService.AddRoutes(s.apiRoutes())
}

func (s *Service) Close() error {
	if s.HTTPDService != nil {
		s.HTTPDService.DelRoutes(s.routes)
	}
	return nil
}

// Receipt reports a completed raise or resolve.
type Receipt struct {
	MessageID string `json:"messageId"`
	Topic     string `json:"topic"`
	SenderID  string `json:"senderId"`
	District  string `json:"district"`
}

// RaiseOptions carries the payload of a raise transition.
type RaiseOptions struct {
	SenderID  string
	District  string
	Location  *Location
	Reporter  *Reporter
	Timestamp int64 // unix milliseconds, zero means server time
}

// deriveRegion computes the coarse geographic label from the reporter's
// free-text location: the last comma-separated token, upper-cased.
// Best effort, an empty input yields an empty region.
func deriveRegion(location string) string {
	parts := strings.Split(location, ",")
	return strings.ToUpper(strings.TrimSpace(parts[len(parts)-1]))
}

func serverTimestamp(ts int64, now time.Time) int64 {
	if ts != 0 {
		return ts
	}
	return now.UnixNano() / int64(time.Millisecond)
}

// Raise transitions a sender to active and notifies the district
// channel. Re-raising an active sender refreshes the snapshot and
// notifies again.
func (s *Service) Raise(o RaiseOptions) (Receipt, error) {
	if o.SenderID == "" {
		return Receipt{}, ValidationError("must specify sender_id")
	}
	if o.District == "" {
		return Receipt{}, ValidationError("must specify district")
	}
	if o.Location == nil {
		return Receipt{}, ValidationError("must specify location")
	}

	if s.BlocklistService.IsBlocked(o.SenderID) {
		if s.StatsService != nil {
			s.StatsService.BlockedRaise()
		}
		return Receipt{}, ErrSenderBlocked
	}

	now := time.Now().UTC()
	var region string
	if o.Reporter != nil {
		region = deriveRegion(o.Reporter.Location)
	}
	snapshot := AlertSnapshot{
		SenderID:    o.SenderID,
		Active:      true,
		Location:    o.Location,
		Reporter:    o.Reporter,
		District:    o.District,
		Region:      region,
		LastUpdated: now,
	}
	// The durable record always precedes fan-out. A delivery failure
	// must not roll it back.
	if err := s.snapshots.Put(snapshot); err != nil {
		return Receipt{}, errors.Wrap(err, "storing alert snapshot")
	}
	if s.StatsService != nil {
		s.StatsService.AlertRaised()
	}
	s.diag.AlertRaised(o.SenderID, o.District)

	ts := serverTimestamp(o.Timestamp, now)
	locJSON, err := json.Marshal(o.Location)
	if err != nil {
		return Receipt{}, err
	}
	infoJSON, err := json.Marshal(wireUserInfo(o.District, o.Reporter))
	if err != nil {
		return Receipt{}, err
	}
	messageID, err := s.notify(push.Message{
		Type:      "sos_alert",
		SenderID:  o.SenderID,
		District:  o.District,
		Title:     "SOS Alert",
		Body:      fmt.Sprintf("Emergency alert raised in %s", o.District),
		Location:  string(locJSON),
		UserInfo:  string(infoJSON),
		Timestamp: ts,
	})
	if err != nil {
		s.diag.DeliveryFailed(o.SenderID, o.District, err)
		return Receipt{}, errors.Wrap(err, "delivering alert notification")
	}
	return Receipt{
		MessageID: messageID,
		Topic:     push.TopicForDistrict(o.District),
		SenderID:  o.SenderID,
		District:  o.District,
	}, nil
}

// Resolve transitions a sender to inactive and notifies the district
// channel. The block list is never consulted, a blocked sender can
// always cancel an alert it raised. Resolving an inactive sender is a
// harmless no-op notification.
func (s *Service) Resolve(senderID, district string, timestamp int64) (Receipt, error) {
	if senderID == "" {
		return Receipt{}, ValidationError("must specify sender_id")
	}
	if district == "" {
		return Receipt{}, ValidationError("must specify district")
	}

	now := time.Now().UTC()
	snapshot := AlertSnapshot{
		SenderID:    senderID,
		Active:      false,
		District:    district,
		LastUpdated: now,
	}
	// The derived region survives resolution, only live fields clear.
	if existing, err := s.snapshots.Get(senderID); err == nil {
		snapshot.Region = existing.Region
	} else if err != ErrNoSnapshotExists {
		return Receipt{}, errors.Wrap(err, "loading alert snapshot")
	}
	if err := s.snapshots.Put(snapshot); err != nil {
		return Receipt{}, errors.Wrap(err, "storing alert snapshot")
	}
	if s.StatsService != nil {
		s.StatsService.AlertResolved()
	}
	s.diag.AlertResolved(senderID, district)

	messageID, err := s.notify(push.Message{
		Type:      "sos_resolved",
		SenderID:  senderID,
		District:  district,
		Title:     "SOS Resolved",
		Body:      fmt.Sprintf("Emergency alert resolved in %s", district),
		Timestamp: serverTimestamp(timestamp, now),
	})
	if err != nil {
		s.diag.DeliveryFailed(senderID, district, err)
		return Receipt{}, errors.Wrap(err, "delivering resolve notification")
	}
	return Receipt{
		MessageID: messageID,
		Topic:     push.TopicForDistrict(district),
		SenderID:  senderID,
		District:  district,
	}, nil
}

// notify runs the primary push fan-out and then the best-effort MQTT
// bridge. Only the push result decides success.
func (s *Service) notify(m push.Message) (string, error) {
	messageID, err := s.PushService.Alert(m)
	if err != nil {
		if s.StatsService != nil {
			s.StatsService.DeliveryFailed()
		}
		return "", err
	}
	if s.StatsService != nil {
		s.StatsService.Delivered()
	}
	s.publishBridge(m)
	return messageID, nil
}

type bridgePayload struct {
	Type      string `json:"type"`
	SenderID  string `json:"sender_id"`
	District  string `json:"district"`
	Location  string `json:"location,omitempty"`
	UserInfo  string `json:"userInfo,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

func (s *Service) publishBridge(m push.Message) {
	if s.MQTTService == nil || !s.MQTTService.Enabled() {
		return
	}
	topic := push.TopicForDistrict(m.District)
	payload, err := json.Marshal(bridgePayload{
		Type:      m.Type,
		SenderID:  m.SenderID,
		District:  m.District,
		Location:  m.Location,
		UserInfo:  m.UserInfo,
		Timestamp: m.Timestamp,
	})
	if err != nil {
		s.diag.BridgePublishFailed(topic, err)
		return
	}
	if err := s.MQTTService.Publish(topic, payload); err != nil {
		s.diag.BridgePublishFailed(topic, err)
	}
}

// Snapshot returns the stored row for a sender.
func (s *Service) Snapshot(senderID string) (AlertSnapshot, error) {
	return s.snapshots.Get(senderID)
}

// Snapshots lists stored rows, optionally filtered on active state.
func (s *Service) Snapshots(active *bool) ([]AlertSnapshot, error) {
	all, err := s.snapshots.List("", 0, -1)
	if err != nil {
		return nil, err
	}
	if active == nil {
		return all, nil
	}
	filtered := all[:0]
	for _, a := range all {
		if a.Active == *active {
			filtered = append(filtered, a)
		}
	}
	return filtered, nil
}

// ExpireOlderThan force-transitions stale active rows in one atomic
// batch. Expiration is silent, no fan-out is issued.
func (s *Service) ExpireOlderThan(cutoff time.Time) (int, error) {
	return s.snapshots.ExpireOlderThan(cutoff, expiredBySweeper)
}

// UserRecord is one unique sender merged with its block status.
type UserRecord struct {
	SenderID    string    `json:"senderId"`
	District    string    `json:"district"`
	Active      bool      `json:"active"`
	Blocked     bool      `json:"blocked"`
	Name        string    `json:"name,omitempty"`
	Phone       string    `json:"phone,omitempty"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// UsersPage is one page of district-scoped sender records.
type UsersPage struct {
	Users    []UserRecord `json:"users"`
	Total    int          `json:"total"`
	Page     int          `json:"page"`
	PageSize int          `json:"pageSize"`
}

// Users lists the unique senders visible within the scope, merged with
// block status, filtered by a free-text search and paginated.
func (s *Service) Users(scope auth.Scope, page, pageSize int, search string) (UsersPage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	all, err := s.snapshots.List("", 0, -1)
	if err != nil {
		return UsersPage{}, err
	}

	search = strings.ToLower(search)
	records := make([]UserRecord, 0, len(all))
	for _, a := range all {
		if !scope.HasDistrict(a.District) {
			continue
		}
		r := UserRecord{
			SenderID:    a.SenderID,
			District:    a.District,
			Active:      a.Active,
			Blocked:     s.BlocklistService.IsBlocked(a.SenderID),
			LastUpdated: a.LastUpdated,
		}
		if a.Reporter != nil {
			r.Name = a.Reporter.Name
			r.Phone = a.Reporter.Phone
		}
		if search != "" && !matchesSearch(r, search) {
			continue
		}
		records = append(records, r)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].SenderID < records[j].SenderID
	})

	total := len(records)
	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return UsersPage{
		Users:    records[start:end],
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	}, nil
}

func matchesSearch(r UserRecord, search string) bool {
	return strings.Contains(strings.ToLower(r.SenderID), search) ||
		strings.Contains(strings.ToLower(r.District), search) ||
		strings.Contains(strings.ToLower(r.Name), search) ||
		strings.Contains(strings.ToLower(r.Phone), search)
}

type userInfoPayload struct {
	District string `json:"district"`
	Name     string `json:"name"`
	Location string `json:"location"`
	Phone    string `json:"phone"`
}

func wireUserInfo(district string, r *Reporter) userInfoPayload {
	info := userInfoPayload{District: district}
	if r != nil {
		info.Name = r.Name
		info.Location = r.Location
		info.Phone = r.Phone
	}
	return info
}
