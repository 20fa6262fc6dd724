package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"voicecanvas/api/internal/auth"
	"voicecanvas/api/internal/authpw"
	"voicecanvas/api/internal/config"
	"voicecanvas/api/internal/livedoc"
	"voicecanvas/api/internal/metrics"
	"voicecanvas/api/internal/search"
	"voicecanvas/api/internal/session"
	"voicecanvas/api/internal/speech"
	"voicecanvas/api/internal/store"
	"voicecanvas/api/internal/suggest"
	"voicecanvas/api/internal/thumbnail"
	"voicecanvas/api/internal/util"
	"voicecanvas/api/internal/voice"
)

type Session struct {
	Token     string
	SessionID string
	UserID    string
	Email     string
	UserName  string
	JTI       string
	ExpiresAt time.Time
}

func (s Session) identity() session.Identity {
	return session.Identity{UserID: s.UserID, Email: s.Email, DisplayName: s.UserName, SessionID: s.SessionID}
}

type canvasStore interface {
	Ping(ctx context.Context) error
	Load(ctx context.Context, ownerID, id string) (store.DocumentRecord, error)
	Save(ctx context.Context, ownerID string, req store.SaveRequest) error
	UpdateThumbnail(ctx context.Context, ownerID, id, image string) error
	List(ctx context.Context, ownerID string) ([]store.Summary, error)
	Create(ctx context.Context, record store.DocumentRecord) (store.DocumentRecord, error)
	Rename(ctx context.Context, ownerID, id, title string) error
	Delete(ctx context.Context, ownerID, id string) error
	Touch(ctx context.Context, ownerID, id string) error
	GetUserByID(ctx context.Context, id string) (store.User, error)
	search.TitleStore
	authpw.UserStore
}

type sessionStore interface {
	Save(ctx context.Context, sessionID string, identity session.Identity, expiresAt time.Time) error
	Lookup(ctx context.Context, sessionID string) (session.Identity, error)
	Revoke(ctx context.Context, sessionID string) error
	RevokeAccessToken(ctx context.Context, jti string, expiresAt time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
	WatchRevocations(ctx context.Context, fn func(sessionID string)) error
	Ping(ctx context.Context) error
}

type commandOutbox interface {
	livedoc.CommandSink
	Drain(ctx context.Context, documentID string) ([]livedoc.Command, error)
}

type speechBackend interface {
	voice.Transcriber
	voice.Interpreter
	suggest.Source
	Health(ctx context.Context) error
}

// Deps are the adapters the service composes. Journal and Search may be nil.
type Deps struct {
	Store      canvasStore
	Sessions   sessionStore
	Commands   commandOutbox
	Speech     speechBackend
	Rasterizer thumbnail.Rasterizer
	Journal    voice.Journal
	Search     *search.Service
	Logger     *slog.Logger
	// Now is replaced in tests.
	Now func() time.Time
}

type Service struct {
	cfg    config.Config
	deps   Deps
	logger *slog.Logger
	authpw *authpw.Service
	create singleflight.Group

	mu         sync.Mutex
	workspaces map[workspaceKey]*Workspace
	// closing holds workspaces whose final save is still running
	closing map[workspaceKey]*Workspace
}

func New(cfg config.Config, deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Rasterizer == nil {
		deps.Rasterizer = thumbnail.Unavailable{}
	}
	if deps.Search == nil {
		deps.Search = search.NewService(nil, deps.Store, logger)
	}
	return &Service{
		cfg:        cfg,
		deps:       deps,
		logger:     logger,
		authpw:     authpw.NewService(deps.Store),
		workspaces: make(map[workspaceKey]*Workspace),
		closing:    make(map[workspaceKey]*Workspace),
	}
}

func (s *Service) now() time.Time {
	if s.deps.Now != nil {
		return s.deps.Now()
	}
	return time.Now()
}

// Readiness reports each dependency; the speech backend is informational.
func (s *Service) Readiness(ctx context.Context) (map[string]any, bool) {
	ready := true
	checks := map[string]any{}
	check := func(name string, required bool, err error) {
		if err != nil {
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			if required {
				ready = false
			}
			return
		}
		checks[name] = map[string]any{"status": "ok"}
	}
	check("database", true, s.deps.Store.Ping(ctx))
	check("redis", true, s.deps.Sessions.Ping(ctx))
	check("speech", false, s.deps.Speech.Health(ctx))
	return checks, ready
}

func (s *Service) SignUp(ctx context.Context, req authpw.SignUpRequest) (Session, error) {
	user, err := s.authpw.SignUp(ctx, req)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user, util.NewID("ses"))
}

func (s *Service) SignIn(ctx context.Context, req authpw.SignInRequest) (Session, error) {
	user, err := s.authpw.SignIn(ctx, req)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user, util.NewID("ses"))
}

// Refresh issues a new access token for a live sign-in session. The session
// id doubles as the refresh token.
func (s *Service) Refresh(ctx context.Context, sessionID string) (Session, error) {
	identity, err := s.deps.Sessions.Lookup(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	user, err := s.deps.Store.GetUserByID(ctx, identity.UserID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user, sessionID)
}

func (s *Service) issueSession(ctx context.Context, user store.User, sessionID string) (Session, error) {
	now := s.now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	identity := session.Identity{UserID: user.ID, Email: user.Email, DisplayName: user.DisplayName, SessionID: sessionID}
	if err := s.deps.Sessions.Save(ctx, sessionID, identity, now.Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, err
	}

	claims := auth.Claims{UserID: user.ID, Email: user.Email, SessionID: sessionID}
	claims.ID = jti
	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), claims, s.cfg.AccessTTL)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		SessionID: sessionID,
		UserID:    user.ID,
		Email:     user.Email,
		UserName:  user.DisplayName,
		JTI:       jti,
		ExpiresAt: expiresAt,
	}, nil
}

// SessionFromToken resolves a bearer token. A token whose sign-in session was
// revoked fails with ErrSignedOut.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.deps.Sessions.IsAccessTokenRevoked(ctx, claims.ID)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, ErrSignedOut
	}
	identity, err := s.deps.Sessions.Lookup(ctx, claims.SessionID)
	if errors.Is(err, session.ErrSessionNotFound) {
		return Session{}, ErrSignedOut
	}
	if err != nil {
		return Session{}, err
	}

	var expiresAt time.Time
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}
	return Session{
		Token:     token,
		SessionID: claims.SessionID,
		UserID:    identity.UserID,
		Email:     identity.Email,
		UserName:  identity.DisplayName,
		JTI:       claims.ID,
		ExpiresAt: expiresAt,
	}, nil
}

// Logout revokes the sign-in session. Workspaces bound to it lose their
// identity here and on every other instance through the revocation channel.
func (s *Service) Logout(ctx context.Context, sess Session) error {
	if sess.JTI != "" {
		if err := s.deps.Sessions.RevokeAccessToken(ctx, sess.JTI, sess.ExpiresAt); err != nil {
			s.logger.Warn("revoke access token", "error", err)
		}
	}
	if sess.SessionID == "" {
		return nil
	}
	s.clearIdentity(sess.SessionID)
	return s.deps.Sessions.Revoke(ctx, sess.SessionID)
}

// WatchRevocations clears workspace identities whenever any instance revokes
// a sign-in session.
func (s *Service) WatchRevocations(ctx context.Context) error {
	return s.deps.Sessions.WatchRevocations(ctx, s.clearIdentity)
}

func (s *Service) clearIdentity(sessionID string) {
	for _, ws := range s.snapshotWorkspaces() {
		if identity, ok := ws.identity.Identity(); ok && identity.SessionID == sessionID {
			s.logger.Info("session revoked, clearing workspace identity", "document_id", ws.key.documentID)
			ws.identity.Clear()
		}
	}
}

// Canvases

func (s *Service) ListCanvases(ctx context.Context, sess Session, query string) (any, error) {
	query = strings.TrimSpace(query)
	if query != "" {
		return s.deps.Search.Search(ctx, sess.UserID, query, 0)
	}
	return s.deps.Store.List(ctx, sess.UserID)
}

const createTimeout = 15 * time.Second

// CreateCanvas starts a blank canvas. Concurrent requests from one user share
// a single insert, which outlives the request that started it.
func (s *Service) CreateCanvas(ctx context.Context, sess Session, title string) (store.DocumentRecord, error) {
	title = strings.TrimSpace(title)
	v, err, _ := s.create.Do(sess.UserID+"\x00"+title, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), createTimeout)
		defer cancel()
		record, err := s.deps.Store.Create(ctx, store.DocumentRecord{
			ID:      util.NewID("cnv"),
			OwnerID: sess.UserID,
			Title:   title,
		})
		if err != nil {
			return store.DocumentRecord{}, err
		}
		s.deps.Search.Index(sess.UserID, summaryOf(record))
		return record, nil
	})
	if err != nil {
		return store.DocumentRecord{}, err
	}
	return v.(store.DocumentRecord), nil
}

func (s *Service) GetCanvas(ctx context.Context, sess Session, id string) (store.DocumentRecord, error) {
	record, err := s.deps.Store.Load(ctx, sess.UserID, id)
	if err != nil {
		return store.DocumentRecord{}, err
	}
	if ws := s.lookup(workspaceKey{ownerID: sess.UserID, documentID: id}); ws != nil {
		// the live copy is newer than the last autosave
		record.Snapshot = ws.document.Snapshot()
	}
	return record, nil
}

func (s *Service) RenameCanvas(ctx context.Context, sess Session, id, title string) (store.DocumentRecord, error) {
	if err := s.deps.Store.Rename(ctx, sess.UserID, id, title); err != nil {
		return store.DocumentRecord{}, err
	}
	record, err := s.deps.Store.Load(ctx, sess.UserID, id)
	if err != nil {
		return store.DocumentRecord{}, err
	}
	s.deps.Search.Index(sess.UserID, summaryOf(record))
	return record, nil
}

// DeleteCanvas tears down an open workspace without a final save, then
// removes the record.
func (s *Service) DeleteCanvas(ctx context.Context, sess Session, id string) error {
	key := workspaceKey{ownerID: sess.UserID, documentID: id}
	s.mu.Lock()
	ws := s.detachLocked(key)
	s.mu.Unlock()
	if ws != nil {
		metrics.OpenWorkspaces.Dec()
		ws.discard()
		s.forget(ws)
	}
	if err := s.deps.Store.Delete(ctx, sess.UserID, id); err != nil {
		return err
	}
	s.deps.Search.Remove(id)
	return nil
}

// OpenCanvas binds an editor session to the canvas, loading it into a
// workspace unless one is already open.
func (s *Service) OpenCanvas(ctx context.Context, sess Session, id string) (store.DocumentRecord, WorkspaceStatus, error) {
	key := workspaceKey{ownerID: sess.UserID, documentID: id}
	if err := s.awaitClosing(ctx, key); err != nil {
		return store.DocumentRecord{}, WorkspaceStatus{}, err
	}
	record, err := s.deps.Store.Load(ctx, sess.UserID, id)
	if err != nil {
		return store.DocumentRecord{}, WorkspaceStatus{}, err
	}
	if err := s.deps.Store.Touch(ctx, sess.UserID, id); err != nil {
		s.logger.Warn("touch canvas", "document_id", id, "error", err)
	}

	s.mu.Lock()
	ws, ok := s.workspaces[key]
	if !ok {
		ws = s.newWorkspace(key, recordSeed{snapshot: record.Snapshot}, sess.identity())
		s.workspaces[key] = ws
		metrics.OpenWorkspaces.Inc()
	}
	s.mu.Unlock()

	if ok {
		ws.identity.Set(sess.identity())
		record.Snapshot = ws.document.Snapshot()
	}
	ws.touch(s.now())
	return record, ws.Status(), nil
}

// Workspace returns the open workspace for the canvas, opening it if needed,
// and rebinds it to the caller's identity.
func (s *Service) Workspace(ctx context.Context, sess Session, id string) (*Workspace, error) {
	key := workspaceKey{ownerID: sess.UserID, documentID: id}
	if ws := s.lookup(key); ws != nil {
		ws.identity.Set(sess.identity())
		ws.touch(s.now())
		return ws, nil
	}
	if _, _, err := s.OpenCanvas(ctx, sess, id); err != nil {
		return nil, err
	}
	ws := s.lookup(key)
	if ws == nil {
		return nil, store.ErrNotFound
	}
	return ws, nil
}

// ApplyChange applies an editor change to the live canvas. A change that
// races a close is applied to a workspace reopened from the flushed record.
func (s *Service) ApplyChange(ctx context.Context, sess Session, id string, change livedoc.Change) (WorkspaceStatus, error) {
	for attempt := 0; ; attempt++ {
		ws, err := s.Workspace(ctx, sess, id)
		if err != nil {
			return WorkspaceStatus{}, err
		}
		err = ws.apply(change)
		if errors.Is(err, errWorkspaceClosed) {
			if attempt < 2 {
				continue
			}
			return WorkspaceStatus{}, domainError(http.StatusConflict, "WORKSPACE_CLOSED", "The canvas was closed. Reopen it and try again.", nil)
		}
		if err != nil {
			return WorkspaceStatus{}, domainError(http.StatusUnprocessableEntity, "INVALID_CHANGE", err.Error(), nil)
		}
		return ws.Status(), nil
	}
}

// Voice

func (s *Service) StartVoice(ctx context.Context, sess Session, id string) (voice.State, error) {
	ws, err := s.Workspace(ctx, sess, id)
	if err != nil {
		return voice.State{}, err
	}
	if err := ws.voice.Start(ctx); err != nil {
		return ws.voice.State(), err
	}
	return ws.voice.State(), nil
}

func (s *Service) PushVoiceChunk(ctx context.Context, sess Session, id string, chunk []byte) (voice.State, error) {
	ws, err := s.Workspace(ctx, sess, id)
	if err != nil {
		return voice.State{}, err
	}
	if err := ws.device.Push(chunk); err != nil {
		return ws.voice.State(), err
	}
	return ws.voice.State(), nil
}

// ReportDeviceError forwards a browser-side capture failure. With no recording
// open it only records that the microphone is unavailable.
func (s *Service) ReportDeviceError(ctx context.Context, sess Session, id, message string, denied bool) (voice.State, error) {
	ws, err := s.Workspace(ctx, sess, id)
	if err != nil {
		return voice.State{}, err
	}
	if denied {
		ws.device.SetAvailable(false)
	}
	if !ws.device.Recording() {
		return ws.voice.State(), nil
	}
	if message == "" {
		message = "device error"
	}
	_ = ws.device.Fail(errors.New(message))
	return ws.voice.State(), nil
}

func (s *Service) SetMicrophoneAvailable(ctx context.Context, sess Session, id string, available bool) error {
	ws, err := s.Workspace(ctx, sess, id)
	if err != nil {
		return err
	}
	ws.device.SetAvailable(available)
	return nil
}

func (s *Service) StopVoice(ctx context.Context, sess Session, id string) (voice.Result, voice.State, error) {
	ws, err := s.Workspace(ctx, sess, id)
	if err != nil {
		return voice.Result{}, voice.State{}, err
	}
	result, err := ws.voice.Stop(ctx)
	return result, ws.voice.State(), err
}

func (s *Service) VoiceState(ctx context.Context, sess Session, id string) (voice.State, error) {
	ws, err := s.Workspace(ctx, sess, id)
	if err != nil {
		return voice.State{}, err
	}
	return ws.voice.State(), nil
}

// Suggestions

func (s *Service) Suggestions(ctx context.Context, sess Session, id string) (suggest.State, error) {
	ws, err := s.Workspace(ctx, sess, id)
	if err != nil {
		return suggest.State{}, err
	}
	return ws.feed.State(), nil
}

func (s *Service) FetchSuggestions(ctx context.Context, sess Session, id string) (suggest.State, error) {
	ws, err := s.Workspace(ctx, sess, id)
	if err != nil {
		return suggest.State{}, err
	}
	state, err := ws.feed.Fetch(ctx)
	if errors.Is(err, session.ErrNoIdentity) {
		return state, err
	}
	// fetch failures are carried in state.Message
	return state, nil
}

func (s *Service) SubmitSuggestion(ctx context.Context, sess Session, id, text string) (livedoc.Command, error) {
	ws, err := s.Workspace(ctx, sess, id)
	if err != nil {
		return livedoc.Command{}, err
	}
	return ws.feed.Submit(ctx, text)
}

// DrainCommands hands accepted drawing commands to the editor.
func (s *Service) DrainCommands(ctx context.Context, sess Session, id string) ([]livedoc.Command, error) {
	ws, err := s.Workspace(ctx, sess, id)
	if err != nil {
		return nil, err
	}
	return s.deps.Commands.Drain(ctx, ws.key.documentID)
}

func (s *Service) Status(ctx context.Context, sess Session, id string) (WorkspaceStatus, error) {
	ws, err := s.Workspace(ctx, sess, id)
	if err != nil {
		return WorkspaceStatus{}, err
	}
	return ws.Status(), nil
}

// CloseWorkspace ends the editor session for one canvas.
func (s *Service) CloseWorkspace(ctx context.Context, sess Session, id string) error {
	key := workspaceKey{ownerID: sess.UserID, documentID: id}
	s.mu.Lock()
	ws := s.detachLocked(key)
	s.mu.Unlock()
	if ws == nil {
		return nil
	}
	metrics.OpenWorkspaces.Dec()
	ws.close(ctx, s.logger)
	s.forget(ws)
	return nil
}

// ReapIdle closes every workspace untouched since before now-ttl.
func (s *Service) ReapIdle(ctx context.Context, now time.Time) int {
	cutoff := now.Add(-s.cfg.WorkspaceIdleTTL)
	var idle []*Workspace
	s.mu.Lock()
	for key, ws := range s.workspaces {
		if ws.idleSince().Before(cutoff) && !ws.voice.State().Busy() {
			idle = append(idle, s.detachLocked(key))
		}
	}
	s.mu.Unlock()

	for _, ws := range idle {
		metrics.OpenWorkspaces.Dec()
		ws.close(ctx, s.logger)
		s.forget(ws)
		s.logger.Info("closed idle workspace", "document_id", ws.key.documentID, "owner_id", ws.key.ownerID)
	}
	return len(idle)
}

// Shutdown closes every workspace, flushing pending saves.
func (s *Service) Shutdown(ctx context.Context) {
	s.mu.Lock()
	all := make([]*Workspace, 0, len(s.workspaces))
	for key := range s.workspaces {
		all = append(all, s.detachLocked(key))
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, ws := range all {
		wg.Add(1)
		go func(ws *Workspace) {
			defer wg.Done()
			metrics.OpenWorkspaces.Dec()
			ws.close(ctx, s.logger)
			s.forget(ws)
		}(ws)
	}
	wg.Wait()
	s.deps.Search.Wait()
}

// detachLocked unregisters the workspace and tracks it until its close is
// done. s.mu must be held.
func (s *Service) detachLocked(key workspaceKey) *Workspace {
	ws := s.workspaces[key]
	if ws == nil {
		return nil
	}
	delete(s.workspaces, key)
	s.closing[key] = ws
	return ws
}

func (s *Service) forget(ws *Workspace) {
	s.mu.Lock()
	if s.closing[ws.key] == ws {
		delete(s.closing, ws.key)
	}
	s.mu.Unlock()
}

// awaitClosing blocks until a workspace closing under key has written its
// final save, so a reopen loads the flushed record.
func (s *Service) awaitClosing(ctx context.Context, key workspaceKey) error {
	s.mu.Lock()
	ws := s.closing[key]
	s.mu.Unlock()
	if ws == nil {
		return nil
	}
	select {
	case <-ws.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) lookup(key workspaceKey) *Workspace {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workspaces[key]
}

func (s *Service) snapshotWorkspaces() []*Workspace {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Workspace, 0, len(s.workspaces))
	for _, ws := range s.workspaces {
		out = append(out, ws)
	}
	return out
}

func summaryOf(record store.DocumentRecord) store.Summary {
	return store.Summary{
		ID:        record.ID,
		Title:     record.Title,
		Thumbnail: record.Thumbnail,
		CreatedAt: record.CreatedAt,
		UpdatedAt: record.UpdatedAt,
	}
}

var _ speechBackend = (*speech.Client)(nil)
