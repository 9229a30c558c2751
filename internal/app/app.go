package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"drawgallery/internal/util"
	"drawgallery/pkg/auth"
	"drawgallery/pkg/domain"
	"drawgallery/pkg/imaging"
	"drawgallery/pkg/ledger"
	"drawgallery/pkg/storage"
	"drawgallery/pkg/store"
)

const (
	listLimit        = 20
	publicIDPrefix   = "img"
	publicIDAttempts = 3
)

// BlobGateway is the blob-store contract the orchestrator depends on.
type BlobGateway interface {
	Upload(ctx context.Context, data []byte, ownerID, folder string) (storage.UploadResult, error)
	Delete(ctx context.Context, key string) error
}

// BlobCleaner schedules asynchronous best-effort blob deletion.
type BlobCleaner interface {
	Enqueue(ctx context.Context, key string) error
}

// Config holds runtime configuration for the core application.
type Config struct {
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	JWTSecret     string
	SessionTTL    time.Duration
	UploadFolder  string

	// Optional injection points; production wiring leaves them nil.
	Store    store.Store
	Sessions store.SessionStore
	Blobs    BlobGateway
	Cleaner  BlobCleaner
	Mailer   Mailer
	Verify   CodeStore
}

// CodeStore issues and checks email verification codes.
type CodeStore interface {
	CreateCode(email string) (string, error)
	VerifyCode(email, code string) error
}

// App sequences the asset lifecycle: validation, quota admission, blob
// upload, registration, and quota accounting, plus the thin auth glue
// around it.
type App struct {
	store    store.Store
	sessions store.SessionStore
	ledger   *ledger.Ledger
	blobs    BlobGateway
	cleaner  BlobCleaner
	mailer   Mailer
	verify   CodeStore
	folder   string
}

// New constructs the application.
func New(cfg Config) (*App, error) {
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = 24 * time.Hour
	}
	if cfg.UploadFolder == "" {
		cfg.UploadFolder = "ai-images"
	}
	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	}
	sessionStore := cfg.Sessions
	if sessionStore == nil {
		if cfg.JWTSecret == "" {
			return nil, fmt.Errorf("session store required (jwtSecret)")
		}
		sessionStore = store.NewJWTSessionStore(cfg.JWTSecret, cfg.SessionTTL)
	}
	if cfg.Blobs == nil {
		return nil, fmt.Errorf("blob gateway required")
	}
	verify := cfg.Verify
	if verify == nil {
		var err error
		verify, err = newVerifyStore(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			return nil, fmt.Errorf("init verify store: %w", err)
		}
	}
	mailer := cfg.Mailer
	if mailer == nil {
		mailer = LogMailer{}
	}
	return &App{
		store:    dataStore,
		sessions: sessionStore,
		ledger:   ledger.New(dataStore),
		blobs:    cfg.Blobs,
		cleaner:  cfg.Cleaner,
		mailer:   mailer,
		verify:   verify,
		folder:   cfg.UploadFolder,
	}, nil
}

// RequestSignupCode issues a verification code and mails it.
func (a *App) RequestSignupCode(email string) error {
	code, err := a.verify.CreateCode(email)
	if err != nil {
		switch {
		case errors.Is(err, errCodeSendRateLimited):
			return ErrCodeRateLimited
		case errors.Is(err, errEmailInvalid):
			return fmt.Errorf("%w: %w", ErrValidation, err)
		}
		return err
	}
	if err := a.mailer.SendCode(email, code); err != nil {
		return fmt.Errorf("deliver code: %w", err)
	}
	return nil
}

// SignUp verifies the emailed code, registers the user, and provisions the
// default quota. The quota row is created together with the account and
// lives as long as the user does.
func (a *App) SignUp(email, password, code string) (domain.User, string, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return domain.User{}, "", fmt.Errorf("%w: email and password required", ErrValidation)
	}
	if err := a.verify.VerifyCode(email, code); err != nil {
		return domain.User{}, "", fmt.Errorf("%w: %w", ErrValidation, err)
	}
	exists, err := a.store.HasUserEmail(email)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("check email: %w", err)
	}
	if exists {
		return domain.User{}, "", ErrEmailTaken
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("hash password: %w", err)
	}
	now := time.Now().UTC()
	user := domain.User{
		ID:           util.NewID(),
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := a.store.SaveUser(user); err != nil {
		return domain.User{}, "", fmt.Errorf("save user: %w", err)
	}
	if err := a.store.SaveQuota(domain.Quota{
		UserID:       user.ID,
		TotalBytes:   domain.DefaultTotalBytes,
		MaxItems:     domain.DefaultMaxItems,
		MaxFileBytes: domain.DefaultMaxFileBytes,
		CreatedAt:    now,
		UpdatedAt:    now,
	}); err != nil {
		return domain.User{}, "", fmt.Errorf("provision quota: %w", err)
	}
	token, err := a.sessions.NewSession(user.ID)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("issue session: %w", err)
	}
	return user, token, nil
}

// Login validates credentials and issues a session token.
func (a *App) Login(email, password string) (domain.User, string, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	user, ok, err := a.store.GetUserByEmail(email)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("fetch user: %w", err)
	}
	if !ok || !auth.CheckPassword(password, user.PasswordHash) {
		return domain.User{}, "", ErrInvalidCredentials
	}
	token, err := a.sessions.NewSession(user.ID)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("issue session: %w", err)
	}
	return user, token, nil
}

// UserFromToken resolves a user from a session token.
func (a *App) UserFromToken(token string) (domain.User, bool) {
	uid, ok, err := a.sessions.GetUserIDByToken(token)
	if err != nil || !ok {
		return domain.User{}, false
	}
	user, found, err := a.store.GetUserByID(uid)
	if err != nil || !found {
		return domain.User{}, false
	}
	return user, true
}

// CreateImageRequest carries a create operation's inputs. Source is opaque
// pass-through; it is recorded, never validated.
type CreateImageRequest struct {
	Payload       string
	Prompt        string
	ModelName     string
	Source        domain.SourceParams
	ElapsedTime   string
	ModelResponse string
}

// CreateImage runs the creation sequence: validate, admit against the
// quota, upload, register, apply the authoritative size. Failures roll back
// everything already done, with one documented exception: a quota-apply
// failure after registration keeps the asset (durability over counter
// precision) and surfaces ErrQuotaApplyFailed.
func (a *App) CreateImage(ctx context.Context, user domain.User, req CreateImageRequest) (domain.Asset, error) {
	prompt := strings.TrimSpace(req.Prompt)
	model := strings.TrimSpace(req.ModelName)
	if prompt == "" || model == "" {
		return domain.Asset{}, fmt.Errorf("%w: prompt and model required", ErrValidation)
	}
	if len([]rune(prompt)) > domain.MaxPromptChars {
		return domain.Asset{}, fmt.Errorf("%w: prompt exceeds %d characters", ErrValidation, domain.MaxPromptChars)
	}
	if len([]rune(model)) > domain.MaxModelNameChars {
		return domain.Asset{}, fmt.Errorf("%w: model name exceeds %d characters", ErrValidation, domain.MaxModelNameChars)
	}

	data, err := a.decodePayload(req.Payload)
	if err != nil {
		return domain.Asset{}, err
	}
	estimated := int64(len(data))
	if err := a.ledger.CanAdmit(user.ID, estimated); err != nil {
		return domain.Asset{}, err
	}

	result, err := a.blobs.Upload(ctx, data, user.ID, a.folder)
	if err != nil {
		// Nothing registered, nothing applied; nothing to roll back.
		return domain.Asset{}, err
	}

	now := time.Now().UTC()
	asset := domain.Asset{
		ID:            util.NewID(),
		OwnerID:       user.ID,
		Prompt:        prompt,
		ModelName:     model,
		Source:        req.Source,
		BlobKey:       result.Key,
		URL:           result.URL,
		ByteSize:      result.Size,
		Width:         result.Width,
		Height:        result.Height,
		ElapsedTime:   strings.TrimSpace(req.ElapsedTime),
		ModelResponse: req.ModelResponse,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	var saveErr error
	for attempt := 0; attempt < publicIDAttempts; attempt++ {
		asset.PublicID = util.NewPublicID(publicIDPrefix)
		saveErr = a.store.CreateAsset(asset)
		if !errors.Is(saveErr, store.ErrDuplicatePublicID) {
			break
		}
	}
	if saveErr != nil {
		// Registration failed after a successful upload: remove the blob
		// so no unreferenced bytes outlive the failed create.
		if delErr := a.blobs.Delete(ctx, result.Key); delErr != nil {
			slog.Warn("orphan blob cleanup failed", "key", result.Key, "err", delErr)
		}
		return domain.Asset{}, fmt.Errorf("register asset: %w", saveErr)
	}

	if err := a.ledger.Apply(user.ID, result.Size, estimated); err != nil {
		slog.Error("quota apply failed after registering asset",
			"user_id", user.ID, "public_id", asset.PublicID, "size", result.Size, "err", err)
		return domain.Asset{}, fmt.Errorf("%w: %w", ErrQuotaApplyFailed, err)
	}
	return asset, nil
}

func (a *App) decodePayload(payload string) ([]byte, error) {
	if strings.TrimSpace(payload) == "" {
		return nil, fmt.Errorf("%w: image payload required", ErrValidation)
	}
	return imaging.Decode(payload)
}

// ListImages returns the newest live assets, capped at 20.
func (a *App) ListImages(user domain.User) ([]domain.Asset, error) {
	return a.store.ListLiveAssets(user.ID, listLimit)
}

// GetImage retrieves one live asset scoped to the user.
func (a *App) GetImage(user domain.User, publicID string) (domain.Asset, error) {
	asset, ok, err := a.store.GetLiveAsset(user.ID, publicID)
	if err != nil {
		return domain.Asset{}, fmt.Errorf("get asset: %w", err)
	}
	if !ok {
		return domain.Asset{}, ErrNotFound
	}
	return asset, nil
}

// UpdatePrompt replaces the prompt of a live asset.
func (a *App) UpdatePrompt(user domain.User, publicID, prompt string) (domain.Asset, error) {
	prompt = strings.TrimSpace(prompt)
	if len([]rune(prompt)) > domain.MaxPromptChars {
		return domain.Asset{}, fmt.Errorf("%w: prompt exceeds %d characters", ErrValidation, domain.MaxPromptChars)
	}
	asset, ok, err := a.store.UpdateAssetPrompt(user.ID, publicID, prompt)
	if err != nil {
		return domain.Asset{}, fmt.Errorf("update prompt: %w", err)
	}
	if !ok {
		return domain.Asset{}, ErrNotFound
	}
	return asset, nil
}

// DeleteImage soft-deletes an asset and frees its quota in one atomic store
// operation, so a failure leaves the asset live and retryable. Blob removal
// happens afterwards and is best-effort: a blob-store outage never blocks
// the user-visible deletion.
func (a *App) DeleteImage(ctx context.Context, user domain.User, publicID string) error {
	asset, ok, err := a.ledger.Release(user.ID, publicID)
	if err != nil {
		return fmt.Errorf("delete image: %w", err)
	}
	if !ok {
		return ErrNotFound
	}
	a.scheduleBlobCleanup(ctx, asset.BlobKey)
	return nil
}

func (a *App) scheduleBlobCleanup(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if a.cleaner != nil {
		err := a.cleaner.Enqueue(ctx, key)
		if err == nil {
			return
		}
		slog.Warn("blob cleanup enqueue failed, deleting inline", "key", key, "err", err)
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := a.blobs.Delete(ctx, key); err != nil {
			slog.Warn("best-effort blob delete failed", "key", key, "err", err)
		}
	}()
}

// Quota returns the user's current counters.
func (a *App) Quota(user domain.User) (domain.Quota, error) {
	return a.ledger.Snapshot(user.ID)
}
