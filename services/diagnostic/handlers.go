package diagnostic

import (
	"log"
	"os"
	"time"

	zaplogfmt "github.com/jsternberg/zap-logfmt"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sirenhq/siren/keyvalue"
)

func fields(ctx []keyvalue.T) []zap.Field {
	if len(ctx) == 0 {
		return nil
	}
	fs := make([]zap.Field, len(ctx))
	for i, kv := range ctx {
		fs[i] = zap.String(kv.Key, kv.Value)
	}
	return fs
}

func errFields(err error, ctx []keyvalue.T) []zap.Field {
	fs := make([]zap.Field, 0, len(ctx)+1)
	fs = append(fs, zap.Error(err))
	return append(fs, fields(ctx)...)
}

// Server handler

type ServerHandler struct {
	l *zap.Logger
}

func (s *Service) NewServerHandler() *ServerHandler {
	return &ServerHandler{l: s.named("server")}
}

func (h *ServerHandler) Error(msg string, err error, ctx ...keyvalue.T) {
	h.l.Error(msg, errFields(err, ctx)...)
}

func (h *ServerHandler) Info(msg string, ctx ...keyvalue.T) {
	h.l.Info(msg, fields(ctx)...)
}

func (h *ServerHandler) Debug(msg string, ctx ...keyvalue.T) {
	h.l.Debug(msg, fields(ctx)...)
}

// Command handler, used by the run command and by main before a
// configured service exists.

type CmdHandler struct {
	l *zap.Logger
}

func (s *Service) NewCmdHandler() *CmdHandler {
	return &CmdHandler{l: s.named("run")}
}

// BootstrapMainHandler returns a handler writing logfmt to STDERR.
// It exists so main can report errors before the config is parsed.
func BootstrapMainHandler() *CmdHandler {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(
		zaplogfmt.NewEncoder(encCfg),
		zapcore.Lock(os.Stderr),
		zapcore.InfoLevel,
	)
	return &CmdHandler{l: zap.New(core).With(zap.String("service", "run"))}
}

func (h *CmdHandler) Error(msg string, err error) {
	h.l.Error(msg, zap.Error(err))
}

func (h *CmdHandler) SirendStarting(version, branch, commit string) {
	h.l.Info("sirend starting", zap.String("version", version), zap.String("branch", branch), zap.String("commit", commit))
}

func (h *CmdHandler) GoVersion(version string, maxprocs int) {
	h.l.Info("go version", zap.String("version", version), zap.Int("maxprocs", maxprocs))
}

func (h *CmdHandler) Info(msg string) {
	h.l.Info(msg)
}

// HTTPD handler

type HTTPDHandler struct {
	l *zap.Logger
}

func (s *Service) NewHTTPDHandler() *HTTPDHandler {
	return &HTTPDHandler{l: s.named("httpd")}
}

func (h *HTTPDHandler) NewHTTPServerErrorLogger() *log.Logger {
	return zap.NewStdLog(h.l.With(zap.String("source", "http-server")))
}

func (h *HTTPDHandler) StartingService() {
	h.l.Debug("starting HTTP service")
}

func (h *HTTPDHandler) StoppedService() {
	h.l.Debug("closed HTTP service")
}

func (h *HTTPDHandler) ShutdownTimeout() {
	h.l.Error("shutdown timedout, forcefully closing all remaining connections")
}

func (h *HTTPDHandler) AuthenticationEnabled(enabled bool) {
	h.l.Info("authentication", zap.Bool("enabled", enabled))
}

func (h *HTTPDHandler) ListeningOn(addr string, proto string) {
	h.l.Info("listening on", zap.String("addr", addr), zap.String("protocol", proto))
}

func (h *HTTPDHandler) Error(msg string, err error) {
	h.l.Error(msg, zap.Error(err))
}

func (h *HTTPDHandler) HTTP(
	host string,
	username string,
	start time.Time,
	method string,
	uri string,
	proto string,
	status int,
	referer string,
	userAgent string,
	reqID string,
	duration time.Duration,
) {
	h.l.Info("http request",
		zap.String("host", host),
		zap.String("username", username),
		zap.Time("start", start),
		zap.String("method", method),
		zap.String("uri", uri),
		zap.String("protocol", proto),
		zap.Int("status", status),
		zap.String("referer", referer),
		zap.String("user-agent", userAgent),
		zap.String("request-id", reqID),
		zap.Duration("duration", duration),
	)
}

func (h *HTTPDHandler) RecoveryError(
	msg string,
	err string,
	host string,
	username string,
	start time.Time,
	method string,
	uri string,
	proto string,
	status int,
	referer string,
	userAgent string,
	reqID string,
	duration time.Duration,
) {
	h.l.Error(msg,
		zap.String("err", err),
		zap.String("host", host),
		zap.String("username", username),
		zap.Time("start", start),
		zap.String("method", method),
		zap.String("uri", uri),
		zap.String("protocol", proto),
		zap.Int("status", status),
		zap.String("referer", referer),
		zap.String("user-agent", userAgent),
		zap.String("request-id", reqID),
		zap.Duration("duration", duration),
	)
}

// Storage handler

type StorageHandler struct {
	l *zap.Logger
}

func (s *Service) NewStorageHandler() *StorageHandler {
	return &StorageHandler{l: s.named("storage")}
}

func (h *StorageHandler) Error(msg string, err error, ctx ...keyvalue.T) {
	h.l.Error(msg, errFields(err, ctx)...)
}

// Auth handler

type AuthHandler struct {
	l *zap.Logger
}

func (s *Service) NewAuthHandler() *AuthHandler {
	return &AuthHandler{l: s.named("auth")}
}

func (h *AuthHandler) Error(msg string, err error, ctx ...keyvalue.T) {
	h.l.Error(msg, errFields(err, ctx)...)
}

func (h *AuthHandler) Debug(msg string, ctx ...keyvalue.T) {
	h.l.Debug(msg, fields(ctx)...)
}

func (h *AuthHandler) GrantedSuperAdmin(email string) {
	h.l.Debug("granted super-admin from allow-list", zap.String("email", email))
}

func (h *AuthHandler) CreatedAdmin(email, by string) {
	h.l.Info("created admin account", zap.String("email", email), zap.String("by", by))
}

func (h *AuthHandler) UpdatedAdmin(email, by string) {
	h.l.Info("updated admin account", zap.String("email", email), zap.String("by", by))
}

func (h *AuthHandler) DeletedAdmin(email, by string) {
	h.l.Info("deleted admin account", zap.String("email", email), zap.String("by", by))
}

func (h *AuthHandler) WelcomeMailFailed(email string, err error) {
	h.l.Error("failed to send welcome mail", zap.String("email", email), zap.Error(err))
}

// Blocklist handler

type BlocklistHandler struct {
	l *zap.Logger
}

func (s *Service) NewBlocklistHandler() *BlocklistHandler {
	return &BlocklistHandler{l: s.named("blocklist")}
}

func (h *BlocklistHandler) Error(msg string, err error, ctx ...keyvalue.T) {
	h.l.Error(msg, errFields(err, ctx)...)
}

func (h *BlocklistHandler) BlockLookupFailed(sender string, err error) {
	h.l.Error("block lookup failed, failing open", zap.String("sender", sender), zap.Error(err))
}

func (h *BlocklistHandler) BlockedSender(sender, by string) {
	h.l.Info("blocked sender", zap.String("sender", sender), zap.String("by", by))
}

func (h *BlocklistHandler) UnblockedSender(sender string) {
	h.l.Info("unblocked sender", zap.String("sender", sender))
}

// SOS handler

type SOSHandler struct {
	l *zap.Logger
}

func (s *Service) NewSOSHandler() *SOSHandler {
	return &SOSHandler{l: s.named("sos")}
}

func (h *SOSHandler) Error(msg string, err error, ctx ...keyvalue.T) {
	h.l.Error(msg, errFields(err, ctx)...)
}

func (h *SOSHandler) AlertRaised(sender, district string) {
	h.l.Info("alert raised", zap.String("sender", sender), zap.String("district", district))
}

func (h *SOSHandler) AlertResolved(sender, district string) {
	h.l.Info("alert resolved", zap.String("sender", sender), zap.String("district", district))
}

func (h *SOSHandler) DeliveryFailed(sender, district string, err error) {
	h.l.Error("push delivery failed", zap.String("sender", sender), zap.String("district", district), zap.Error(err))
}

func (h *SOSHandler) BridgePublishFailed(topic string, err error) {
	h.l.Error("mqtt bridge publish failed", zap.String("topic", topic), zap.Error(err))
}

// Push handler

type PushHandler struct {
	l *zap.Logger
}

func (s *Service) NewPushHandler() *PushHandler {
	return &PushHandler{l: s.named("push")}
}

func (h *PushHandler) Error(msg string, err error) {
	h.l.Error(msg, zap.Error(err))
}

func (h *PushHandler) TestMessageSent(topic string) {
	h.l.Info("test message sent", zap.String("topic", topic))
}

// MQTT handler

type MQTTHandler struct {
	l *zap.Logger
}

func (s *Service) NewMQTTHandler() *MQTTHandler {
	return &MQTTHandler{l: s.named("mqtt")}
}

func (h *MQTTHandler) Error(msg string, err error) {
	h.l.Error(msg, zap.Error(err))
}

func (h *MQTTHandler) Connected(broker string) {
	h.l.Info("connected to MQTT broker", zap.String("broker", broker))
}

func (h *MQTTHandler) Disconnected() {
	h.l.Info("disconnected from MQTT broker")
}

// SMTP handler

type SMTPHandler struct {
	l *zap.Logger
}

func (s *Service) NewSMTPHandler() *SMTPHandler {
	return &SMTPHandler{l: s.named("smtp")}
}

func (h *SMTPHandler) Error(msg string, err error) {
	h.l.Error(msg, zap.Error(err))
}

// Sweeper handler

type SweeperHandler struct {
	l *zap.Logger
}

func (s *Service) NewSweeperHandler() *SweeperHandler {
	return &SweeperHandler{l: s.named("sweeper")}
}

func (h *SweeperHandler) Error(msg string, err error, ctx ...keyvalue.T) {
	h.l.Error(msg, errFields(err, ctx)...)
}

func (h *SweeperHandler) SweepStarted() {
	h.l.Debug("sweep started")
}

func (h *SweeperHandler) SweepSkipped() {
	h.l.Info("sweep skipped, previous sweep still running")
}

func (h *SweeperHandler) Expired(n int) {
	h.l.Info("expired stale alerts", zap.Int("count", n))
}
