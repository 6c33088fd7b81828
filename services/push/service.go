package push

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"

	"github.com/sirenhq/siren/services/httpd"
)

const testPushPath = "/test-push"

type Diagnostic interface {
	Error(msg string, err error)
	TestMessageSent(topic string)
}

// Service delivers alert notifications to district topics through an
// FCM-compatible push provider.
type Service struct {
	configValue atomic.Value
	diag        Diagnostic
	routes      []httpd.Route

	HTTPDService interface {
		AddRoutes([]httpd.Route) error
		DelRoutes([]httpd.Route)
	}
}

func NewService(c Config, d Diagnostic) *Service {
	s := &Service{
		diag: d,
	}
	s.configValue.Store(c)
	return s
}

func (s *Service) Open() error {
	if s.HTTPDService == nil {
		return errors.New("missing httpd service")
	}
	s.routes = []httpd.Route{
		{
			Method:      "POST",
			Pattern:     testPushPath,
			HandlerFunc: s.handleTestPush,
		},
		{
			// Satisfy CORS checks.
			Method:      "OPTIONS",
			Pattern:     testPushPath,
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

func (s *Service) config() Config {
	return s.configValue.Load().(Config)
}

func (s *Service) Update(newConfig []interface{}) error {
	if l := len(newConfig); l != 1 {
		return fmt.Errorf("expected only one new config object, got %d", l)
	}
	if c, ok := newConfig[0].(Config); !ok {
		return fmt.Errorf("expected config object to be of type %T, got %T", c, newConfig[0])
	} else {
		s.configValue.Store(c)
	}
	return nil
}

func (s *Service) Enabled() bool {
	return s.config().Enabled
}

// TopicForDistrict returns the channel key notifications for a
// district are published on.
func TopicForDistrict(district string) string {
	return "district-" + district
}

// Message is a single notification addressed to a district topic.
type Message struct {
	// Event type, sos_alert or sos_resolved.
	Type     string
	SenderID string
	District string
	Title    string
	Body     string
	// JSON-encoded location, raise only.
	Location string
	// JSON-encoded reporter info, raise only.
	UserInfo  string
	Timestamp int64
}

type notification struct {
	Title            string `json:"title"`
	Body             string `json:"body"`
	Sound            string `json:"sound"`
	AndroidChannelID string `json:"android_channel_id"`
}

type postData struct {
	To               string            `json:"to"`
	Notification     notification      `json:"notification"`
	Data             map[string]string `json:"data"`
	Priority         string            `json:"priority"`
	ContentAvailable bool              `json:"content_available"`
}

// Alert publishes a message to its district topic and returns the
// provider message id. A generated UUID is substituted when the
// provider omits the id.
func (s *Service) Alert(m Message) (messageID string, err error) {
	c := s.config()
	url, post, err := preparePost(c, m)
	if err != nil {
		return "", err
	}

	var body bytes.Buffer
	if err := json.NewEncoder(&body).Encode(post); err != nil {
		return "", err
	}

	req, err := http.NewRequest("POST", url, &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "key="+c.ServerKey)

	client := &http.Client{Timeout: time.Duration(c.Timeout)}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, err := ioutil.ReadAll(resp.Body)
		if err != nil {
			return "", err
		}
		return "", fmt.Errorf("push provider returned code %d: %s", resp.StatusCode, string(respBody))
	}

	// The legacy topic API responds {"message_id": <int64>}.
	r := struct {
		MessageID *int64 `json:"message_id"`
	}{}
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil || r.MessageID == nil {
		return uuid.New().String(), nil
	}
	return strconv.FormatInt(*r.MessageID, 10), nil
}

func preparePost(c Config, m Message) (string, postData, error) {
	if !c.Enabled {
		return "", postData{}, errors.New("service is not enabled")
	}
	if m.District == "" {
		return "", postData{}, errors.New("must specify district")
	}

	data := map[string]string{
		"type":      m.Type,
		"sender_id": m.SenderID,
		"district":  m.District,
		"timestamp": strconv.FormatInt(m.Timestamp, 10),
	}
	if m.Location != "" {
		data["location"] = m.Location
	}
	if m.UserInfo != "" {
		data["userInfo"] = m.UserInfo
	}

	p := postData{
		To: "/topics/" + TopicForDistrict(m.District),
		Notification: notification{
			Title:            m.Title,
			Body:             m.Body,
			Sound:            c.Sound,
			AndroidChannelID: c.AndroidChannelID,
		},
		Data:             data,
		Priority:         "high",
		ContentAvailable: true,
	}
	return c.URL, p, nil
}

type testOptions struct {
	District string `json:"district" mapstructure:"district"`
	Title    string `json:"title" mapstructure:"title"`
	Body     string `json:"body" mapstructure:"body"`
}

func (s *Service) TestOptions() interface{} {
	return &testOptions{
		District: "test",
		Title:    "Test Alert",
		Body:     "This is a test notification from Siren.",
	}
}

// Test sends a test notification and returns what was delivered.
func (s *Service) Test(options interface{}) (messageID, topic string, err error) {
	o, ok := options.(*testOptions)
	if !ok {
		return "", "", fmt.Errorf("unexpected options type %T", options)
	}
	messageID, err = s.Alert(Message{
		Type:      "test",
		District:  o.District,
		Title:     o.Title,
		Body:      o.Body,
		Timestamp: time.Now().UnixNano() / int64(time.Millisecond),
	})
	if err != nil {
		return "", "", err
	}
	topic = TopicForDistrict(o.District)
	s.diag.TestMessageSent(topic)
	return messageID, topic, nil
}

type testPushResponse struct {
	MessageID string `json:"messageId"`
	Topic     string `json:"topic"`
	District  string `json:"district"`
	Title     string `json:"title"`
	Body      string `json:"body"`
}

func (s *Service) handleTestPush(w http.ResponseWriter, r *http.Request) {
	dat := make(map[string]interface{})
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&dat); err != nil {
			httpd.HttpError(w, "invalid json: "+err.Error(), true, http.StatusBadRequest)
			return
		}
	}
	options := s.TestOptions()
	if err := mapstructure.Decode(dat, options); err != nil {
		httpd.HttpError(w, "invalid options: "+err.Error(), true, http.StatusBadRequest)
		return
	}
	o := options.(*testOptions)
	messageID, topic, err := s.Test(options)
	if err != nil {
		s.diag.Error("failed to send test message", err)
		httpd.HttpError(w, err.Error(), true, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write(httpd.MarshalJSON(testPushResponse{
		MessageID: messageID,
		Topic:     topic,
		District:  o.District,
		Title:     o.Title,
		Body:      o.Body,
	}, true))
}
