package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/elnote-io/server/internal/admin"
	"github.com/elnote-io/server/internal/attachments"
	"github.com/elnote-io/server/internal/auth"
	"github.com/elnote-io/server/internal/config"
	"github.com/elnote-io/server/internal/deviations"
	"github.com/elnote-io/server/internal/experiments"
	"github.com/elnote-io/server/internal/httpx"
	"github.com/elnote-io/server/internal/mailer"
	"github.com/elnote-io/server/internal/middleware"
	"github.com/elnote-io/server/internal/notifications"
	"github.com/elnote-io/server/internal/ops"
	"github.com/elnote-io/server/internal/search"
	"github.com/elnote-io/server/internal/signatures"
	"github.com/elnote-io/server/internal/syncer"
	"github.com/elnote-io/server/internal/templates"
	"github.com/elnote-io/server/internal/users"
)

type App struct {
	cfg               config.Config
	db                *sql.DB
	logger            *zap.Logger
	tokens            *auth.TokenManager
	authService       *auth.Service
	expService        *experiments.Service
	adminService      *admin.Service
	syncService       *syncer.Service
	attachmentService *attachments.Service
	opsService        *ops.Service
	searchService     *search.Service
	userService       *users.Service
	signatureService  *signatures.Service
	notifService      *notifications.Service
	templateService   *templates.Service
	deviationService  *deviations.Service
	mail              *mailer.Service
}

func New(cfg config.Config, db *sql.DB, logger *zap.Logger) (*App, error) {
	tokenManager := auth.NewTokenManager(cfg.JWTSecret, cfg.JWTIssuer, cfg.AccessTokenTTL, cfg.RefreshTokenTTL)
	syncService := syncer.NewService(db)
	notifService := notifications.NewService(db)
	signer, err := attachments.NewHMACURLSigner(cfg.ObjectStorePublicBaseURL, cfg.ObjectStoreBucket, cfg.ObjectStoreSignSecret)
	if err != nil {
		return nil, fmt.Errorf("build attachment signer: %w", err)
	}
	inspector := attachments.NewSignedURLObjectInspector(signer, cfg.ObjectStoreInventoryURL, 10*time.Second)

	return &App{
		cfg:               cfg,
		db:                db,
		logger:            logger,
		tokens:            tokenManager,
		authService:       auth.NewService(db, tokenManager),
		expService:        experiments.NewService(db, syncService, notifService),
		adminService:      admin.NewService(db, syncService, notifService),
		syncService:       syncService,
		attachmentService: attachments.NewService(db, syncService, signer, inspector, cfg.AttachmentUploadURLTTL, cfg.AttachmentDownloadURLTTL),
		opsService:        ops.NewService(db),
		searchService:     search.NewService(db),
		userService:       users.NewService(db),
		signatureService:  signatures.NewService(db, syncService, notifService),
		notifService:      notifService,
		templateService:   templates.NewService(db, syncService),
		deviationService:  deviations.NewService(db, syncService),
		mail:              mailer.New(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword, cfg.SMTPFrom),
	}, nil
}

func (a *App) Close() error {
	if a.db != nil {
		return a.db.Close()
	}
	return nil
}

// AttachmentService exposes the attachment layer for the reconcile scheduler.
func (a *App) AttachmentService() *attachments.Service {
	return a.attachmentService
}

// NotificationService exposes the notification layer for the retention purger.
func (a *App) NotificationService() *notifications.Service {
	return a.notifService
}

// SeedDefaultAdmin seeds the LabAdmin account at startup.
func (a *App) SeedDefaultAdmin(ctx context.Context) error {
	return a.userService.SeedDefaultAdmin(ctx)
}

func (a *App) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Content-Type-Options", "nosniff")

	if a.cfg.RequireTLS && r.URL.Path != "/healthz" && !isTLSRequest(r) {
		httpx.WriteError(w, http.StatusUpgradeRequired, "tls is required")
		return
	}

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/healthz":
		a.handleHealth(w)
		return

	case r.Method == http.MethodPost && r.URL.Path == "/v1/auth/login":
		a.handleLogin(w, r)
		return
	case r.Method == http.MethodPost && r.URL.Path == "/v1/auth/refresh":
		a.handleRefresh(w, r)
		return
	case r.Method == http.MethodPost && r.URL.Path == "/v1/auth/logout":
		a.handleLogout(w, r)
		return

	case r.Method == http.MethodGet && r.URL.Path == "/v1/devices":
		a.handleListDevices(w, r)
		return
	case strings.HasPrefix(r.URL.Path, "/v1/devices/"):
		a.routeDeviceScope(w, r)
		return

	// Exact experiment paths must precede the id-scoped prefix match.
	case r.Method == http.MethodPost && r.URL.Path == "/v1/experiments":
		a.handleCreateExperiment(w, r)
		return
	case r.Method == http.MethodPost && r.URL.Path == "/v1/experiments/clone":
		a.handleCloneExperiment(w, r)
		return
	case r.Method == http.MethodPost && r.URL.Path == "/v1/experiments/from-template":
		a.handleCreateFromTemplate(w, r)
		return
	case strings.HasPrefix(r.URL.Path, "/v1/experiments/"):
		a.routeExperimentScope(w, r)
		return

	case r.Method == http.MethodPost && r.URL.Path == "/v1/proposals":
		a.handleCreateProposal(w, r)
		return
	case r.Method == http.MethodGet && r.URL.Path == "/v1/proposals":
		a.handleListProposals(w, r)
		return

	case r.Method == http.MethodPost && r.URL.Path == "/v1/signatures":
		a.handleSignExperiment(w, r)
		return

	case r.Method == http.MethodGet && r.URL.Path == "/v1/sync/pull":
		a.handleSyncPull(w, r)
		return
	case r.Method == http.MethodGet && r.URL.Path == "/v1/sync/conflicts":
		a.handleSyncConflicts(w, r)
		return
	case r.Method == http.MethodGet && r.URL.Path == "/v1/sync/ws":
		a.handleSyncWS(w, r)
		return

	case r.Method == http.MethodPost && r.URL.Path == "/v1/attachments/initiate":
		a.handleAttachmentInitiate(w, r)
		return
	case strings.HasPrefix(r.URL.Path, "/v1/attachments/"):
		a.routeAttachmentScope(w, r)
		return

	case r.Method == http.MethodGet && r.URL.Path == "/v1/search":
		a.handleSearch(w, r)
		return
	case r.Method == http.MethodGet && r.URL.Path == "/v1/search/content":
		a.handleSearchContent(w, r)
		return

	case r.Method == http.MethodPost && r.URL.Path == "/v1/users":
		a.handleCreateUser(w, r)
		return
	case r.Method == http.MethodGet && r.URL.Path == "/v1/users":
		a.handleListUsers(w, r)
		return
	case strings.HasPrefix(r.URL.Path, "/v1/users/"):
		a.routeUserScope(w, r)
		return
	case r.Method == http.MethodPost && r.URL.Path == "/v1/admin/reset-default":
		a.handleResetDefaultAdmin(w, r)
		return

	case r.Method == http.MethodPost && r.URL.Path == "/v1/account-requests":
		a.handleCreateAccountRequest(w, r)
		return
	case r.Method == http.MethodGet && r.URL.Path == "/v1/account-requests":
		a.handleListAccountRequests(w, r)
		return
	case strings.HasPrefix(r.URL.Path, "/v1/account-requests/"):
		a.routeAccountRequestScope(w, r)
		return

	case r.Method == http.MethodGet && r.URL.Path == "/v1/notifications":
		a.handleListNotifications(w, r)
		return
	case r.Method == http.MethodPost && r.URL.Path == "/v1/notifications/read-all":
		a.handleMarkAllNotificationsRead(w, r)
		return
	case r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/v1/notifications/") && strings.HasSuffix(r.URL.Path, "/read"):
		a.handleMarkNotificationRead(w, r)
		return

	case r.Method == http.MethodPost && r.URL.Path == "/v1/templates":
		a.handleCreateTemplate(w, r)
		return
	case r.Method == http.MethodGet && r.URL.Path == "/v1/templates":
		a.handleListTemplates(w, r)
		return
	case strings.HasPrefix(r.URL.Path, "/v1/templates/"):
		a.routeTemplateScope(w, r)
		return

	case r.Method == http.MethodGet && r.URL.Path == "/v1/ops/dashboard":
		a.handleOpsDashboard(w, r)
		return
	case r.Method == http.MethodGet && r.URL.Path == "/v1/ops/audit/verify":
		a.handleOpsAuditVerify(w, r)
		return
	case r.Method == http.MethodPost && r.URL.Path == "/v1/ops/attachments/reconcile":
		a.handleOpsAttachmentReconcile(w, r)
		return
	case r.Method == http.MethodGet && r.URL.Path == "/v1/ops/forensic/export":
		a.handleOpsForensicExport(w, r)
		return

	default:
		http.NotFound(w, r)
		return
	}
}

func isTLSRequest(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(strings.TrimSpace(r.Header.Get("X-Forwarded-Proto")), "https") {
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// Path parsing
// ---------------------------------------------------------------------------

func parseExperimentPath(path string) (experimentID string, action string, ok bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 3 || parts[0] != "v1" || parts[1] != "experiments" {
		return "", "", false
	}
	if parts[2] == "" {
		return "", "", false
	}

	experimentID = parts[2]
	switch len(parts) {
	case 3:
		return experimentID, "", true
	case 4:
		return experimentID, parts[3], true
	case 5:
		return experimentID, parts[3] + "/" + parts[4], true
	}
	return "", "", false
}

func parseSubResourcePath(path, prefix string) (resourceID string, action string, ok bool) {
	trimmed := strings.TrimPrefix(path, prefix)
	parts := strings.SplitN(strings.Trim(trimmed, "/"), "/", 2)
	if len(parts) == 0 || parts[0] == "" {
		return "", "", false
	}
	resourceID = parts[0]
	if len(parts) == 2 {
		action = parts[1]
	}
	return resourceID, action, true
}

// ---------------------------------------------------------------------------
// Authentication
// ---------------------------------------------------------------------------

func (a *App) authenticate(r *http.Request) (middleware.AuthUser, error) {
	return middleware.AuthenticateRequest(r, a.tokens)
}

func (a *App) requireUser(w http.ResponseWriter, r *http.Request) (middleware.AuthUser, bool) {
	user, err := a.authenticate(r)
	if err != nil {
		httpx.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return middleware.AuthUser{}, false
	}
	return user, true
}

func (a *App) requireRole(w http.ResponseWriter, r *http.Request, role string) (middleware.AuthUser, bool) {
	user, ok := a.requireUser(w, r)
	if !ok {
		return middleware.AuthUser{}, false
	}
	if user.Role != role {
		httpx.WriteError(w, http.StatusForbidden, role+" role required")
		return middleware.AuthUser{}, false
	}
	return user, true
}

// ---------------------------------------------------------------------------
// Scoped routers
// ---------------------------------------------------------------------------

func (a *App) routeExperimentScope(w http.ResponseWriter, r *http.Request) {
	experimentID, action, ok := parseExperimentPath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	switch {
	case r.Method == http.MethodGet && action == "":
		a.handleGetExperiment(w, r, experimentID)
	case r.Method == http.MethodGet && action == "history":
		a.handleGetExperimentHistory(w, r, experimentID)
	case r.Method == http.MethodPost && action == "addendums":
		a.handleCreateAddendum(w, r, experimentID)
	case r.Method == http.MethodPost && action == "complete":
		a.handleMarkCompleted(w, r, experimentID)
	case r.Method == http.MethodPost && action == "comments":
		a.handleCreateComment(w, r, experimentID)
	case r.Method == http.MethodGet && action == "comments":
		a.handleListComments(w, r, experimentID)
	case r.Method == http.MethodGet && action == "signatures":
		a.handleListSignatures(w, r, experimentID)
	case r.Method == http.MethodGet && action == "signatures/verify":
		a.handleVerifySignatures(w, r, experimentID)
	case r.Method == http.MethodPost && action == "deviations":
		a.handleRecordDeviation(w, r, experimentID)
	case r.Method == http.MethodGet && action == "deviations":
		a.handleListDeviations(w, r, experimentID)
	case r.Method == http.MethodGet && action == "attachments":
		a.handleListAttachments(w, r, experimentID)
	default:
		http.NotFound(w, r)
	}
}

func (a *App) routeAttachmentScope(w http.ResponseWriter, r *http.Request) {
	attachmentID, action, ok := parseSubResourcePath(r.URL.Path, "/v1/attachments/")
	if !ok {
		http.NotFound(w, r)
		return
	}

	switch {
	case r.Method == http.MethodPost && action == "complete":
		a.handleAttachmentComplete(w, r, attachmentID)
	case r.Method == http.MethodGet && action == "download":
		a.handleAttachmentDownload(w, r, attachmentID)
	default:
		http.NotFound(w, r)
	}
}

func (a *App) routeDeviceScope(w http.ResponseWriter, r *http.Request) {
	deviceID, action, ok := parseSubResourcePath(r.URL.Path, "/v1/devices/")
	if !ok {
		http.NotFound(w, r)
		return
	}

	switch {
	case r.Method == http.MethodPost && action == "revoke":
		a.handleRevokeDevice(w, r, deviceID)
	default:
		http.NotFound(w, r)
	}
}

func (a *App) routeUserScope(w http.ResponseWriter, r *http.Request) {
	userID, action, ok := parseSubResourcePath(r.URL.Path, "/v1/users/")
	if !ok {
		http.NotFound(w, r)
		return
	}

	switch {
	case r.Method == http.MethodGet && action == "":
		a.handleGetUser(w, r, userID)
	case r.Method == http.MethodPut && action == "":
		a.handleUpdateUser(w, r, userID)
	case r.Method == http.MethodDelete && action == "":
		a.handleDeleteUser(w, r, userID)
	case r.Method == http.MethodPost && action == "change-password":
		a.handleChangePassword(w, r, userID)
	default:
		http.NotFound(w, r)
	}
}

func (a *App) routeAccountRequestScope(w http.ResponseWriter, r *http.Request) {
	requestID, action, ok := parseSubResourcePath(r.URL.Path, "/v1/account-requests/")
	if !ok {
		http.NotFound(w, r)
		return
	}

	switch {
	case r.Method == http.MethodPost && action == "approve":
		a.handleApproveAccountRequest(w, r, requestID)
	case r.Method == http.MethodPost && action == "deny":
		a.handleDenyAccountRequest(w, r, requestID)
	default:
		http.NotFound(w, r)
	}
}

func (a *App) routeTemplateScope(w http.ResponseWriter, r *http.Request) {
	templateID, action, ok := parseSubResourcePath(r.URL.Path, "/v1/templates/")
	if !ok {
		http.NotFound(w, r)
		return
	}

	switch {
	case r.Method == http.MethodGet && action == "":
		a.handleGetTemplate(w, r, templateID)
	case r.Method == http.MethodPut && action == "":
		a.handleUpdateTemplate(w, r, templateID)
	case r.Method == http.MethodDelete && action == "":
		a.handleDeleteTemplate(w, r, templateID)
	default:
		http.NotFound(w, r)
	}
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

func (a *App) handleHealth(w http.ResponseWriter) {
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ---------------------------------------------------------------------------
// Auth handlers
// ---------------------------------------------------------------------------

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	type request struct {
		Email      string `json:"email"`
		Password   string `json:"password"`
		DeviceName string `json:"deviceName"`
	}
	var req request
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := a.authService.Login(r.Context(), auth.LoginInput{
		Email:      req.Email,
		Password:   req.Password,
		DeviceName: req.DeviceName,
	})
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			httpx.WriteError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		a.writeInternal(w, r, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (a *App) handleRefresh(w http.ResponseWriter, r *http.Request) {
	type request struct {
		RefreshToken string `json:"refreshToken"`
	}
	var req request
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := a.authService.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidRefreshToken) {
			httpx.WriteError(w, http.StatusUnauthorized, "invalid refresh token")
			return
		}
		a.writeInternal(w, r, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	type request struct {
		RefreshToken string `json:"refreshToken"`
	}
	var req request
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := a.authService.Logout(r.Context(), req.RefreshToken); err != nil {
		a.writeInternal(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleListDevices(w http.ResponseWriter, r *http.Request) {
	user, ok := a.requireUser(w, r)
	if !ok {
		return
	}

	resp, err := a.authService.ListDevices(r.Context(), user.ID)
	if err != nil {
		a.writeInternal(w, r, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]any{"devices": resp})
}

func (a *App) handleRevokeDevice(w http.ResponseWriter, r *http.Request, deviceID string) {
	user, ok := a.requireUser(w, r)
	if !ok {
		return
	}

	if err := a.authService.RevokeDevice(r.Context(), user.ID, deviceID); err != nil {
		if errors.Is(err, auth.ErrDeviceNotFound) {
			httpx.WriteError(w, http.StatusNotFound, "device not found")
			return
		}
		a.writeInternal(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ---------------------------------------------------------------------------
// Experiment handlers
// ---------------------------------------------------------------------------

func (a *App) handleCreateExperiment(w http.ResponseWriter, r *http.Request) {
	user, ok := a.requireRole(w, r, "owner")
	if !ok {
		return
	}

	type request struct {
		Title        string `json:"title"`
		OriginalBody string `json:"originalBody"`
	}
	var req request
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := a.expService.CreateExperiment(r.Context(), experiments.CreateExperimentInput{
		OwnerUserID:  user.ID,
		DeviceID:     user.DeviceID,
		Title:        req.Title,
		OriginalBody: req.OriginalBody,
	})
	if err != nil {
		a.writeExperimentError(w, r, err)
		return
	}

	httpx.WriteJSON(w, http.StatusCreated, resp)
}

func (a *App) handleCreateAddendum(w http.ResponseWriter, r *http.Request, experimentID string) {
	user, ok := a.requireRole(w, r, "owner")
	if !ok {
		return
	}

	type request struct {
		BaseEntryID string `json:"baseEntryId"`
		Body        string `json:"body"`
	}
	var req request
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := a.expService.AddAddendum(r.Context(), experiments.AddAddendumInput{
		ExperimentID: experimentID,
		OwnerUserID:  user.ID,
		DeviceID:     user.DeviceID,
		BaseEntryID:  req.BaseEntryID,
		Body:         req.Body,
	})
	if err != nil {
		a.writeExperimentError(w, r, err)
		return
	}

	httpx.WriteJSON(w, http.StatusCreated, resp)
}

func (a *App) handleMarkCompleted(w http.ResponseWriter, r *http.Request, experimentID string) {
	user, ok := a.requireRole(w, r, "owner")
	if !ok {
		return
	}

	resp, err := a.expService.MarkCompleted(r.Context(), experimentID, user.ID, user.DeviceID)
	if err != nil {
		a.writeExperimentError(w, r, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (a *App) handleGetExperiment(w http.ResponseWriter, r *http.Request, experimentID string) {
	user, ok := a.requireUser(w, r)
	if !ok {
		return
	}

	resp, err := a.expService.GetEffectiveView(r.Context(), experimentID, user.ID, user.Role)
	if err != nil {
		a.writeExperimentError(w, r, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (a *App) handleGetExperimentHistory(w http.ResponseWriter, r *http.Request, experimentID string) {
	user, ok := a.requireUser(w, r)
	if !ok {
		return
	}

	resp, err := a.expService.GetHistory(r.Context(), experimentID, user.ID, user.Role)
	if err != nil {
		a.writeExperimentError(w, r, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (a *App) handleCloneExperiment(w http.ResponseWriter, r *http.Request) {
	user, ok := a.requireRole(w, r, "owner")
	if !ok {
		return
	}

	type request struct {
		SourceExperimentID string `json:"sourceExperimentId"`
		NewTitle           string `json:"newTitle"`
	}
	var req request
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := a.templateService.CloneExperiment(r.Context(), templates.CloneExperimentInput{
		SourceExperimentID: req.SourceExperimentID,
		OwnerUserID:        user.ID,
		DeviceID:           user.DeviceID,
		NewTitle:           req.NewTitle,
	})
	if err != nil {
		a.writeTemplateError(w, r, err)
		return
	}

	httpx.WriteJSON(w, http.StatusCreated, resp)
}

func (a *App) handleCreateFromTemplate(w http.ResponseWriter, r *http.Request) {
	user, ok := a.requireRole(w, r, "owner")
	if !ok {
		return
	}

	type request struct {
		TemplateID string `json:"templateId"`
		Title      string `json:"title"`
		Body       string `json:"body"`
	}
	var req request
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := a.templateService.CreateFromTemplate(r.Context(), templates.CreateFromTemplateInput{
		TemplateID:  req.TemplateID,
		OwnerUserID: user.ID,
		DeviceID:    user.DeviceID,
		Title:       req.Title,
		Body:        req.Body,
	})
	if err != nil {
		a.writeTemplateError(w, r, err)
		return
	}

	httpx.WriteJSON(w, http.StatusCreated, resp)
}

// ---------------------------------------------------------------------------
// Comment and proposal handlers
// ---------------------------------------------------------------------------

func (a *App) handleCreateComment(w http.ResponseWriter, r *http.Request, experimentID string) {
	user, ok := a.requireRole(w, r, "admin")
	if !ok {
		return
	}

	type request struct {
		Body string `json:"body"`
	}
	var req request
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := a.adminService.CreateComment(r.Context(), admin.CreateCommentInput{
		ExperimentID: experimentID,
		AdminUserID:  user.ID,
		DeviceID:     user.DeviceID,
		Body:         req.Body,
	})
	if err != nil {
		a.writeAdminError(w, r, err)
		return
	}

	httpx.WriteJSON(w, http.StatusCreated, resp)
}

func (a *App) handleListComments(w http.ResponseWriter, r *http.Request, experimentID string) {
	user, ok := a.requireUser(w, r)
	if !ok {
		return
	}

	resp, err := a.adminService.ListComments(r.Context(), experimentID, user.ID, user.Role)
	if err != nil {
		a.writeAdminError(w, r, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"experimentId": experimentID,
		"comments":     resp,
	})
}

func (a *App) handleCreateProposal(w http.ResponseWriter, r *http.Request) {
	user, ok := a.requireRole(w, r, "admin")
	if !ok {
		return
	}

	type request struct {
		SourceExperimentID string `json:"sourceExperimentId"`
		Title              string `json:"title"`
		Body               string `json:"body"`
	}
	var req request
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := a.adminService.CreateProposal(r.Context(), admin.CreateProposalInput{
		SourceExperimentID: req.SourceExperimentID,
		AdminUserID:        user.ID,
		DeviceID:           user.DeviceID,
		Title:              req.Title,
		Body:               req.Body,
	})
	if err != nil {
		a.writeAdminError(w, r, err)
		return
	}

	httpx.WriteJSON(w, http.StatusCreated, resp)
}

func (a *App) handleListProposals(w http.ResponseWriter, r *http.Request) {
	user, ok := a.requireUser(w, r)
	if !ok {
		return
	}

	sourceExperimentID := strings.TrimSpace(r.URL.Query().Get("sourceExperimentId"))
	if sourceExperimentID == "" {
		httpx.WriteError(w, http.StatusBadRequest, "sourceExperimentId is required")
		return
	}

	resp, err := a.adminService.ListProposals(r.Context(), sourceExperimentID, user.ID, user.Role)
	if err != nil {
		a.writeAdminError(w, r, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"sourceExperimentId": sourceExperimentID,
		"proposals":          resp,
	})
}

// ---------------------------------------------------------------------------
// Signature handlers
// ---------------------------------------------------------------------------

func (a *App) handleSignExperiment(w http.ResponseWriter, r *http.Request) {
	user, ok := a.requireUser(w, r)
	if !ok {
		return
	}

	type request struct {
		ExperimentID  string `json:"experimentId"`
		Password      string `json:"password"`
		SignatureType string `json:"signatureType"`
	}
	var req request
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := a.signatureService.Sign(r.Context(), signatures.SignInput{
		ExperimentID:  req.ExperimentID,
		SignerUserID:  user.ID,
		SignatureType: req.SignatureType,
		Password:      req.Password,
		DeviceID:      user.DeviceID,
	})
	if err != nil {
		a.writeSignatureError(w, r, err)
		return
	}

	httpx.WriteJSON(w, http.StatusCreated, resp)
}

func (a *App) handleListSignatures(w http.ResponseWriter, r *http.Request, experimentID string) {
	user, ok := a.requireUser(w, r)
	if !ok {
		return
	}

	resp, err := a.signatureService.ListSignatures(r.Context(), experimentID, user.ID, user.Role)
	if err != nil {
		a.writeSignatureError(w, r, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"experimentId": experimentID,
		"signatures":   resp,
	})
}

func (a *App) handleVerifySignatures(w http.ResponseWriter, r *http.Request, experimentID string) {
	user, ok := a.requireUser(w, r)
	if !ok {
		return
	}

	resp, err := a.signatureService.VerifySignatures(r.Context(), experimentID, user.ID, user.Role)
	if err != nil {
		a.writeSignatureError(w, r, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, resp)
}

// ---------------------------------------------------------------------------
// Deviation handlers
// ---------------------------------------------------------------------------

func (a *App) handleRecordDeviation(w http.ResponseWriter, r *http.Request, experimentID string) {
	user, ok := a.requireUser(w, r)
	if !ok {
		return
	}

	type request struct {
		DeviationType    string `json:"deviationType"`
		Description      string `json:"description"`
		Impact           string `json:"impact"`
		CorrectiveAction string `json:"correctiveAction"`
	}
	var req request
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := a.deviationService.Record(r.Context(), deviations.RecordInput{
		ExperimentID:     experimentID,
		ActorUserID:      user.ID,
		DeviceID:         user.DeviceID,
		DeviationType:    req.DeviationType,
		Description:      req.Description,
		Impact:           req.Impact,
		CorrectiveAction: req.CorrectiveAction,
	})
	if err != nil {
		a.writeDeviationError(w, r, err)
		return
	}

	httpx.WriteJSON(w, http.StatusCreated, resp)
}

func (a *App) handleListDeviations(w http.ResponseWriter, r *http.Request, experimentID string) {
	user, ok := a.requireUser(w, r)
	if !ok {
		return
	}

	resp, err := a.deviationService.ListByExperiment(r.Context(), experimentID, user.ID, user.Role)
	if err != nil {
		a.writeDeviationError(w, r, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"experimentId": experimentID,
		"deviations":   resp,
	})
}

// ---------------------------------------------------------------------------
// Sync handlers
// ---------------------------------------------------------------------------

func (a *App) handleSyncPull(w http.ResponseWriter, r *http.Request) {
	user, ok := a.requireUser(w, r)
	if !ok {
		return
	}

	cursor, err := parseInt64Query(r, "cursor", 0)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := parseIntQuery(r, "limit", 100)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := a.syncService.Pull(r.Context(), user.ID, cursor, limit)
	if err != nil {
		a.writeInternal(w, r, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (a *App) handleSyncConflicts(w http.ResponseWriter, r *http.Request) {
	user, ok := a.requireUser(w, r)
	if !ok {
		return
	}

	limit, err := parseIntQuery(r, "limit", 100)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := a.syncService.ListConflicts(r.Context(), user.ID, limit)
	if err != nil {
		a.writeInternal(w, r, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]any{"conflicts": resp})
}

func (a *App) handleSyncWS(w http.ResponseWriter, r *http.Request) {
	user, ok := a.requireUser(w, r)
	if !ok {
		return
	}

	cursor, err := parseInt64Query(r, "cursor", 0)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := a.syncService.ServeWS(w, r, user.ID, cursor); err != nil {
		a.logger.Warn("websocket session ended with error",
			zap.String("userId", user.ID),
			zap.Error(err),
		)
	}
}

// ---------------------------------------------------------------------------
// Attachment handlers
// ---------------------------------------------------------------------------

func (a *App) handleAttachmentInitiate(w http.ResponseWriter, r *http.Request) {
	user, ok := a.requireRole(w, r, "owner")
	if !ok {
		return
	}

	type request struct {
		ExperimentID string `json:"experimentId"`
		ObjectKey    string `json:"objectKey"`
		SizeBytes    int64  `json:"sizeBytes"`
		MimeType     string `json:"mimeType"`
	}
	var req request
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := a.attachmentService.Initiate(r.Context(), attachments.InitiateInput{
		ExperimentID: req.ExperimentID,
		OwnerUserID:  user.ID,
		DeviceID:     user.DeviceID,
		ObjectKey:    req.ObjectKey,
		SizeBytes:    req.SizeBytes,
		MimeType:     req.MimeType,
	})
	if err != nil {
		a.writeAttachmentError(w, r, err)
		return
	}

	httpx.WriteJSON(w, http.StatusCreated, resp)
}

func (a *App) handleAttachmentComplete(w http.ResponseWriter, r *http.Request, attachmentID string) {
	user, ok := a.requireRole(w, r, "owner")
	if !ok {
		return
	}

	type request struct {
		Checksum  string `json:"checksum"`
		SizeBytes int64  `json:"sizeBytes"`
	}
	var req request
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := a.attachmentService.Complete(r.Context(), attachments.CompleteInput{
		AttachmentID: attachmentID,
		OwnerUserID:  user.ID,
		DeviceID:     user.DeviceID,
		Checksum:     req.Checksum,
		SizeBytes:    req.SizeBytes,
	})
	if err != nil {
		a.writeAttachmentError(w, r, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (a *App) handleAttachmentDownload(w http.ResponseWriter, r *http.Request, attachmentID string) {
	user, ok := a.requireUser(w, r)
	if !ok {
		return
	}

	resp, err := a.attachmentService.Download(r.Context(), attachments.DownloadInput{
		AttachmentID: attachmentID,
		ViewerUserID: user.ID,
		ViewerRole:   user.Role,
	})
	if err != nil {
		a.writeAttachmentError(w, r, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (a *App) handleListAttachments(w http.ResponseWriter, r *http.Request, experimentID string) {
	user, ok := a.requireUser(w, r)
	if !ok {
		return
	}

	resp, err := a.attachmentService.ListByExperiment(r.Context(), experimentID, user.ID, user.Role)
	if err != nil {
		a.writeAttachmentError(w, r, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"experimentId": experimentID,
		"attachments":  resp,
	})
}

// ---------------------------------------------------------------------------
// Search handlers
// ---------------------------------------------------------------------------

func (a *App) handleSearch(w http.ResponseWriter, r *http.Request) {
	user, ok := a.requireUser(w, r)
	if !ok {
		return
	}

	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		httpx.WriteError(w, http.StatusBadRequest, "q is required")
		return
	}

	status := strings.TrimSpace(r.URL.Query().Get("status"))
	dateFrom, err := parseTimeQuery(r, "from")
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	dateTo, err := parseTimeQuery(r, "to")
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := parseIntQuery(r, "limit", a.cfg.SearchResultLimit)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := parseIntQuery(r, "offset", 0)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := a.searchService.Search(r.Context(), search.SearchInput{
		Query:    q,
		UserID:   user.ID,
		Role:     user.Role,
		Status:   status,
		DateFrom: dateFrom,
		DateTo:   dateTo,
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		a.writeSearchError(w, r, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (a *App) handleSearchContent(w http.ResponseWriter, r *http.Request) {
	user, ok := a.requireUser(w, r)
	if !ok {
		return
	}

	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		httpx.WriteError(w, http.StatusBadRequest, "q is required")
		return
	}
	limit, err := parseIntQuery(r, "limit", a.cfg.SearchResultLimit)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := a.searchService.SearchExperimentContent(r.Context(), q, user.ID, user.Role, limit)
	if err != nil {
		a.writeSearchError(w, r, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]any{"results": resp})
}

// ---------------------------------------------------------------------------
// User management handlers
// ---------------------------------------------------------------------------

func (a *App) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	adminUser, ok := a.requireRole(w, r, "admin")
	if !ok {
		return
	}

	type request struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Role     string `json:"role"`
	}
	var req request
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := a.userService.CreateUser(r.Context(), users.CreateUserInput{
		AdminUserID: adminUser.ID,
		Email:       req.Email,
		Password:    req.Password,
		Role:        req.Role,
	})
	if err != nil {
		a.writeUserError(w, r, err)
		return
	}

	httpx.WriteJSON(w, http.StatusCreated, resp)
}

func (a *App) handleListUsers(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.requireRole(w, r, "admin"); !ok {
		return
	}

	resp, err := a.userService.ListUsers(r.Context())
	if err != nil {
		a.writeInternal(w, r, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]any{"users": resp})
}

func (a *App) handleGetUser(w http.ResponseWriter, r *http.Request, userID string) {
	caller, ok := a.requireUser(w, r)
	if !ok {
		return
	}
	if caller.ID != userID && caller.Role != "admin" {
		httpx.WriteError(w, http.StatusForbidden, "forbidden")
		return
	}

	resp, err := a.userService.GetUser(r.Context(), userID)
	if err != nil {
		a.writeUserError(w, r, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (a *App) handleUpdateUser(w http.ResponseWriter, r *http.Request, userID string) {
	adminUser, ok := a.requireRole(w, r, "admin")
	if !ok {
		return
	}

	type request struct {
		Role string `json:"role"`
	}
	var req request
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := a.userService.UpdateUser(r.Context(), users.UpdateUserInput{
		AdminUserID: adminUser.ID,
		TargetID:    userID,
		Role:        req.Role,
	})
	if err != nil {
		a.writeUserError(w, r, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (a *App) handleChangePassword(w http.ResponseWriter, r *http.Request, userID string) {
	caller, ok := a.requireUser(w, r)
	if !ok {
		return
	}
	if caller.ID != userID {
		httpx.WriteError(w, http.StatusForbidden, "can only change own password")
		return
	}

	type request struct {
		CurrentPassword string `json:"currentPassword"`
		NewPassword     string `json:"newPassword"`
	}
	var req request
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := a.userService.ChangePassword(r.Context(), users.ChangePasswordInput{
		UserID:      userID,
		OldPassword: req.CurrentPassword,
		NewPassword: req.NewPassword,
	}); err != nil {
		a.writeUserError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleDeleteUser(w http.ResponseWriter, r *http.Request, userID string) {
	adminUser, ok := a.requireRole(w, r, "admin")
	if !ok {
		return
	}

	if err := a.userService.DeleteUser(r.Context(), adminUser.ID, userID); err != nil {
		a.writeUserError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleResetDefaultAdmin(w http.ResponseWriter, r *http.Request) {
	// Intentionally unauthenticated so a locked-out admin can recover.
	if err := a.userService.ResetDefaultAdmin(r.Context()); err != nil {
		a.writeUserError(w, r, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]string{
		"message": "LabAdmin password has been reset to default",
	})
}

// ---------------------------------------------------------------------------
// Account request handlers
// ---------------------------------------------------------------------------

func (a *App) handleCreateAccountRequest(w http.ResponseWriter, r *http.Request) {
	// Unauthenticated: prospective users do not have accounts yet.
	type request struct {
		Email         string `json:"email"`
		FullName      string `json:"fullName"`
		Justification string `json:"justification"`
	}
	var req request
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := a.userService.CreateAccountRequest(r.Context(), users.CreateAccountRequestInput{
		Email:         req.Email,
		FullName:      req.FullName,
		Justification: req.Justification,
	})
	if err != nil {
		a.writeUserError(w, r, err)
		return
	}

	httpx.WriteJSON(w, http.StatusCreated, resp)
}

func (a *App) handleListAccountRequests(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.requireRole(w, r, "admin"); !ok {
		return
	}

	status := strings.TrimSpace(r.URL.Query().Get("status"))
	limit, err := parseIntQuery(r, "limit", 100)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := a.userService.ListAccountRequests(r.Context(), users.ListAccountRequestsInput{
		Status: status,
		Limit:  limit,
	})
	if err != nil {
		a.writeUserError(w, r, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]any{"accountRequests": resp})
}

func (a *App) handleApproveAccountRequest(w http.ResponseWriter, r *http.Request, requestID string) {
	adminUser, ok := a.requireRole(w, r, "admin")
	if !ok {
		return
	}

	type request struct {
		Role              string `json:"role"`
		TemporaryPassword string `json:"temporaryPassword"`
	}
	var req request
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := a.userService.ApproveAccountRequest(r.Context(), users.ApproveAccountRequestInput{
		RequestID:         requestID,
		AdminUserID:       adminUser.ID,
		Role:              req.Role,
		TemporaryPassword: req.TemporaryPassword,
	})
	if err != nil {
		a.writeUserError(w, r, err)
		return
	}

	// Mail is best effort once the approval is committed.
	if a.mail.Enabled() {
		go func(email, fullName, role, password string) {
			if err := a.mail.SendAccountApprovedEmail(email, fullName, role, password); err != nil {
				a.logger.Warn("account approval email failed",
					zap.String("email", email),
					zap.Error(err),
				)
			}
		}(resp.Email, resp.FullName, req.Role, req.TemporaryPassword)
	}

	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (a *App) handleDenyAccountRequest(w http.ResponseWriter, r *http.Request, requestID string) {
	adminUser, ok := a.requireRole(w, r, "admin")
	if !ok {
		return
	}

	resp, err := a.userService.DenyAccountRequest(r.Context(), requestID, adminUser.ID)
	if err != nil {
		a.writeUserError(w, r, err)
		return
	}

	if a.mail.Enabled() {
		go func(email, fullName string) {
			if err := a.mail.SendAccountDeniedEmail(email, fullName); err != nil {
				a.logger.Warn("account denial email failed",
					zap.String("email", email),
					zap.Error(err),
				)
			}
		}(resp.Email, resp.FullName)
	}

	httpx.WriteJSON(w, http.StatusOK, resp)
}

// ---------------------------------------------------------------------------
// Notification handlers
// ---------------------------------------------------------------------------

func (a *App) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	user, ok := a.requireUser(w, r)
	if !ok {
		return
	}

	unreadOnly := strings.TrimSpace(r.URL.Query().Get("unreadOnly")) == "true"
	limit, err := parseIntQuery(r, "limit", 50)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := parseIntQuery(r, "offset", 0)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := a.notifService.List(r.Context(), notifications.ListInput{
		UserID:     user.ID,
		UnreadOnly: unreadOnly,
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		a.writeInternal(w, r, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (a *App) handleMarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	user, ok := a.requireUser(w, r)
	if !ok {
		return
	}

	// Path shape: /v1/notifications/{id}/read
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 4 {
		http.NotFound(w, r)
		return
	}
	notifID := parts[2]

	if err := a.notifService.MarkRead(r.Context(), notifID, user.ID); err != nil {
		if errors.Is(err, notifications.ErrNotFound) {
			httpx.WriteError(w, http.StatusNotFound, "not found")
			return
		}
		a.writeInternal(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleMarkAllNotificationsRead(w http.ResponseWriter, r *http.Request) {
	user, ok := a.requireUser(w, r)
	if !ok {
		return
	}

	if _, err := a.notifService.MarkAllRead(r.Context(), user.ID); err != nil {
		a.writeInternal(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ---------------------------------------------------------------------------
// Template handlers
// ---------------------------------------------------------------------------

func (a *App) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	user, ok := a.requireUser(w, r)
	if !ok {
		return
	}

	type request struct {
		Title        string              `json:"title"`
		Description  string              `json:"description"`
		BodyTemplate string              `json:"bodyTemplate"`
		Sections     []templates.Section `json:"sections"`
		Tags         []string            `json:"tags"`
	}
	var req request
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := a.templateService.CreateTemplate(r.Context(), templates.CreateTemplateInput{
		OwnerUserID:  user.ID,
		Title:        req.Title,
		Description:  req.Description,
		BodyTemplate: req.BodyTemplate,
		Sections:     req.Sections,
		Tags:         req.Tags,
	})
	if err != nil {
		a.writeTemplateError(w, r, err)
		return
	}

	httpx.WriteJSON(w, http.StatusCreated, resp)
}

func (a *App) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	user, ok := a.requireUser(w, r)
	if !ok {
		return
	}

	resp, err := a.templateService.ListTemplates(r.Context(), user.ID)
	if err != nil {
		a.writeInternal(w, r, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]any{"templates": resp})
}

func (a *App) handleGetTemplate(w http.ResponseWriter, r *http.Request, templateID string) {
	user, ok := a.requireUser(w, r)
	if !ok {
		return
	}

	resp, err := a.templateService.GetTemplate(r.Context(), templateID, user.ID)
	if err != nil {
		a.writeTemplateError(w, r, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (a *App) handleUpdateTemplate(w http.ResponseWriter, r *http.Request, templateID string) {
	user, ok := a.requireUser(w, r)
	if !ok {
		return
	}

	type request struct {
		Description  string              `json:"description"`
		BodyTemplate string              `json:"bodyTemplate"`
		Sections     []templates.Section `json:"sections"`
		Tags         []string            `json:"tags"`
	}
	var req request
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := a.templateService.UpdateTemplate(r.Context(), templates.UpdateTemplateInput{
		TemplateID:   templateID,
		OwnerUserID:  user.ID,
		Description:  req.Description,
		BodyTemplate: req.BodyTemplate,
		Sections:     req.Sections,
		Tags:         req.Tags,
	})
	if err != nil {
		a.writeTemplateError(w, r, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (a *App) handleDeleteTemplate(w http.ResponseWriter, r *http.Request, templateID string) {
	user, ok := a.requireUser(w, r)
	if !ok {
		return
	}

	if err := a.templateService.DeleteTemplate(r.Context(), templateID, user.ID); err != nil {
		a.writeTemplateError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ---------------------------------------------------------------------------
// Ops handlers
// ---------------------------------------------------------------------------

func (a *App) handleOpsDashboard(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.requireRole(w, r, "admin"); !ok {
		return
	}

	resp, err := a.opsService.Dashboard(r.Context())
	if err != nil {
		a.writeInternal(w, r, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (a *App) handleOpsAuditVerify(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.requireRole(w, r, "admin"); !ok {
		return
	}

	resp, err := a.opsService.VerifyAuditHashChain(r.Context())
	if err != nil {
		a.writeInternal(w, r, err)
		return
	}

	if !resp.Valid {
		httpx.WriteJSON(w, http.StatusConflict, resp)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (a *App) handleOpsAttachmentReconcile(w http.ResponseWriter, r *http.Request) {
	adminUser, ok := a.requireRole(w, r, "admin")
	if !ok {
		return
	}

	type request struct {
		StaleAfterSeconds int64 `json:"staleAfterSeconds"`
		ScanLimit         int   `json:"scanLimit"`
	}
	var req request
	if err := httpx.DecodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	staleAfter := a.cfg.DefaultReconcileStaleAfter
	if req.StaleAfterSeconds > 0 {
		staleAfter = time.Duration(req.StaleAfterSeconds) * time.Second
	}
	limit := a.cfg.DefaultReconcileScanLimit
	if req.ScanLimit > 0 {
		limit = req.ScanLimit
	}

	resp, err := a.attachmentService.Reconcile(r.Context(), attachments.ReconcileInput{
		ActorUserID: adminUser.ID,
		StaleAfter:  staleAfter,
		Limit:       limit,
	})
	if err != nil {
		a.writeAttachmentError(w, r, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (a *App) handleOpsForensicExport(w http.ResponseWriter, r *http.Request) {
	adminUser, ok := a.requireRole(w, r, "admin")
	if !ok {
		return
	}

	experimentID := strings.TrimSpace(r.URL.Query().Get("experimentId"))
	if experimentID == "" {
		httpx.WriteError(w, http.StatusBadRequest, "experimentId is required")
		return
	}

	resp, err := a.opsService.ForensicExport(r.Context(), experimentID)
	if err != nil {
		a.writeOpsError(w, r, err)
		return
	}

	// Data leaves the server only if the export itself is on the record.
	if err := a.opsService.LogForensicExport(r.Context(), adminUser.ID, experimentID); err != nil {
		a.writeInternal(w, r, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, resp)
}

// ---------------------------------------------------------------------------
// Error mapping
// ---------------------------------------------------------------------------

// writeInternal hides the failure behind a correlation id and logs the detail
// server-side.
func (a *App) writeInternal(w http.ResponseWriter, r *http.Request, err error) {
	correlationID := uuid.NewString()
	a.logger.Error("request failed",
		zap.String("correlationId", correlationID),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Error(err),
	)
	httpx.WriteInternalError(w, correlationID)
}

func (a *App) writeExperimentError(w http.ResponseWriter, r *http.Request, err error) {
	var conflictErr *experiments.ConflictError
	switch {
	case errors.As(err, &conflictErr):
		httpx.WriteJSON(w, http.StatusConflict, map[string]any{
			"error":               conflictErr.Error(),
			"conflictArtifactId":  conflictErr.ConflictArtifactID,
			"experimentId":        conflictErr.ExperimentID,
			"clientBaseEntryId":   conflictErr.ClientBaseEntryID,
			"serverLatestEntryId": conflictErr.ServerLatestEntryID,
		})
	case errors.Is(err, experiments.ErrForbidden):
		httpx.WriteError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, experiments.ErrNotFound):
		httpx.WriteError(w, http.StatusNotFound, "not found")
	case errors.Is(err, experiments.ErrInvalidInput):
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
	default:
		a.writeInternal(w, r, err)
	}
}

func (a *App) writeAdminError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, admin.ErrForbidden):
		httpx.WriteError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, admin.ErrNotFound):
		httpx.WriteError(w, http.StatusNotFound, "not found")
	case errors.Is(err, admin.ErrInvalidInput):
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
	default:
		a.writeInternal(w, r, err)
	}
}

func (a *App) writeAttachmentError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, attachments.ErrForbidden):
		httpx.WriteError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, attachments.ErrNotFound):
		httpx.WriteError(w, http.StatusNotFound, "not found")
	case errors.Is(err, attachments.ErrInvalidInput):
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
	default:
		a.writeInternal(w, r, err)
	}
}

func (a *App) writeSignatureError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, signatures.ErrForbidden):
		httpx.WriteError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, signatures.ErrNotFound):
		httpx.WriteError(w, http.StatusNotFound, "not found")
	case errors.Is(err, signatures.ErrInvalidInput):
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
	default:
		a.writeInternal(w, r, err)
	}
}

func (a *App) writeDeviationError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, deviations.ErrForbidden):
		httpx.WriteError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, deviations.ErrNotFound):
		httpx.WriteError(w, http.StatusNotFound, "not found")
	case errors.Is(err, deviations.ErrInvalidInput):
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
	default:
		a.writeInternal(w, r, err)
	}
}

func (a *App) writeTemplateError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, templates.ErrForbidden):
		httpx.WriteError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, templates.ErrNotFound):
		httpx.WriteError(w, http.StatusNotFound, "not found")
	case errors.Is(err, templates.ErrInvalidInput):
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
	default:
		a.writeInternal(w, r, err)
	}
}

func (a *App) writeUserError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, users.ErrForbidden):
		httpx.WriteError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, users.ErrNotFound):
		httpx.WriteError(w, http.StatusNotFound, "not found")
	case errors.Is(err, users.ErrInvalidInput):
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, users.ErrConflict):
		httpx.WriteError(w, http.StatusConflict, err.Error())
	default:
		a.writeInternal(w, r, err)
	}
}

func (a *App) writeSearchError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, search.ErrInvalidInput):
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
	default:
		a.writeInternal(w, r, err)
	}
}

func (a *App) writeOpsError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ops.ErrForbidden):
		httpx.WriteError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, ops.ErrNotFound):
		httpx.WriteError(w, http.StatusNotFound, "not found")
	case errors.Is(err, ops.ErrInvalidInput):
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
	default:
		a.writeInternal(w, r, err)
	}
}

// ---------------------------------------------------------------------------
// Query parsing
// ---------------------------------------------------------------------------

func parseInt64Query(r *http.Request, key string, fallback int64) (int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s", key)
	}
	if value < 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return value, nil
}

func parseIntQuery(r *http.Request, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s", key)
	}
	if value < 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return value, nil
}

func parseTimeQuery(r *http.Request, key string) (*time.Time, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, nil
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return &t, nil
	}
	return nil, fmt.Errorf("invalid %s: expected RFC 3339 timestamp or YYYY-MM-DD", key)
}

// ---------------------------------------------------------------------------
// Server lifecycle
// ---------------------------------------------------------------------------

func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server listening", zap.String("addr", a.cfg.HTTPAddr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("http server shutdown did not finish cleanly", zap.Error(err))
		}
		return nil
	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server failed: %w", err)
	}
}
