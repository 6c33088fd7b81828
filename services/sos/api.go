package sos

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/sirenhq/siren/auth"
	authsvc "github.com/sirenhq/siren/services/auth"
	"github.com/sirenhq/siren/services/httpd"
)

const (
	sosPath    = "/sos"
	alertsPath = "/admin/sos-alerts"
	usersPath  = "/admin/users"
)

func (s *Service) apiRoutes() []httpd.Route {
	s.routes = []httpd.Route{
		{
			Method:      "POST",
			Pattern:     sosPath,
			HandlerFunc: s.handleSOS,
		},
		{
			// Satisfy CORS checks.
			Method:      "OPTIONS",
			Pattern:     sosPath,
			HandlerFunc: httpd.ServeOptions,
		},
		{
			Method:      "GET",
			Pattern:     alertsPath,
			HandlerFunc: s.handleListAlerts,
		},
		{
			Method:      "GET",
			Pattern:     usersPath,
			HandlerFunc: s.handleListUsers,
		},
	}
	return s.routes
}

type userInfoRequest struct {
	District string `json:"district"`
	Name     string `json:"name"`
	Location string `json:"location"`
	Phone    string `json:"phone"`
}

type sosRequest struct {
	SenderID  string           `json:"sender_id"`
	SOSType   string           `json:"sos_type"`
	Location  *Location        `json:"location"`
	UserInfo  *userInfoRequest `json:"userInfo"`
	Timestamp int64            `json:"timestamp"`
}

func (s *Service) handleSOS(w http.ResponseWriter, r *http.Request) {
	var req sosRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpd.HttpError(w, "invalid json: "+err.Error(), true, http.StatusBadRequest)
		return
	}

	var district string
	var reporter *Reporter
	if req.UserInfo != nil {
		district = req.UserInfo.District
		reporter = &Reporter{
			Name:     req.UserInfo.Name,
			Phone:    req.UserInfo.Phone,
			Location: req.UserInfo.Location,
		}
	}

	var receipt Receipt
	var err error
	switch req.SOSType {
	case "sos_alert":
		receipt, err = s.Raise(RaiseOptions{
			SenderID:  req.SenderID,
			District:  district,
			Location:  req.Location,
			Reporter:  reporter,
			Timestamp: req.Timestamp,
		})
	case "stop":
		receipt, err = s.Resolve(req.SenderID, district, req.Timestamp)
	default:
		httpd.HttpError(w, "sos_type must be sos_alert or stop", true, http.StatusBadRequest)
		return
	}
	if err != nil {
		switch err.(type) {
		case ValidationError:
			httpd.HttpError(w, err.Error(), true, http.StatusBadRequest)
		default:
			if err == ErrSenderBlocked {
				httpd.HttpError(w, "sender is blocked", true, http.StatusForbidden)
				return
			}
			httpd.HttpError(w, err.Error(), true, http.StatusInternalServerError)
		}
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write(httpd.MarshalJSON(receipt, true))
}

func (s *Service) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	var active *bool
	if v := r.URL.Query().Get("active"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			httpd.HttpError(w, "invalid active parameter: "+err.Error(), true, http.StatusBadRequest)
			return
		}
		active = &b
	}
	snapshots, err := s.Snapshots(active)
	if err != nil {
		httpd.HttpError(w, err.Error(), true, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write(httpd.MarshalJSON(snapshots, true))
}

func (s *Service) handleListUsers(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	scope, err := s.AuthService.AuthorizeAdmin(p)
	if err == authsvc.ErrNotAuthorized {
		httpd.HttpError(w, "not an authorized admin", true, http.StatusForbidden)
		return
	} else if err != nil {
		httpd.HttpError(w, err.Error(), true, http.StatusInternalServerError)
		return
	}

	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("pageSize"))
	users, err := s.Users(scope, page, pageSize, q.Get("search"))
	if err != nil {
		httpd.HttpError(w, err.Error(), true, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write(httpd.MarshalJSON(users, true))
}
