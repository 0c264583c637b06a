package httptransport

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"quotaguard/internal/ratelimit/models"
	dErrors "quotaguard/pkg/domain-errors"
	"quotaguard/pkg/platform/httputil"
	"quotaguard/pkg/platform/secrets"
)

//go:generate mockgen -source=handlers_auth.go -destination=mocks/auth-mocks.go -package=mocks TokenIssuer

// TokenIssuer signs access tokens for authenticated callers.
type TokenIssuer interface {
	GenerateAccessToken(subject, apiKeyID, tier string, expiresIn time.Duration) (string, error)
}

// Account is a login principal and the plan tier its tokens carry.
type Account struct {
	Username     string
	PasswordHash string
	Tier         models.Tier
}

// ParseAccounts reads "username:password[:tier]" entries. The password may
// be plaintext or a bcrypt hash; plaintext is hashed here. A missing or
// unknown tier defaults to free.
func ParseAccounts(entries []string) (map[string]Account, error) {
	accounts := make(map[string]Account, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			return nil, dErrors.New(dErrors.CodeValidation, "account entries must be username:password[:tier]")
		}
		tier := models.TierFree
		if len(parts) == 3 {
			tier = models.ParseTier(parts[2], models.TierFree)
		}
		if tier == models.TierAnonymous {
			return nil, dErrors.New(dErrors.CodeValidation, "accounts cannot use the anonymous tier")
		}
		hash := parts[1]
		if !secrets.IsHash(hash) {
			var err error
			if hash, err = secrets.Hash(parts[1]); err != nil {
				return nil, err
			}
		}
		accounts[parts[0]] = Account{Username: parts[0], PasswordHash: hash, Tier: tier}
	}
	return accounts, nil
}

type AuthHandler struct {
	issuer   TokenIssuer
	accounts map[string]Account
	tokenTTL time.Duration
	logger   *slog.Logger
	// decoy is verified for unknown usernames so both paths cost one bcrypt compare.
	decoy string
}

func NewAuthHandler(issuer TokenIssuer, accounts map[string]Account, tokenTTL time.Duration, logger *slog.Logger) *AuthHandler {
	if tokenTTL <= 0 {
		tokenTTL = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	decoy, err := secrets.Hash("quotaguard-decoy")
	if err != nil {
		logger.Warn("failed to build decoy hash", "error", err)
	}
	return &AuthHandler{issuer: issuer, accounts: accounts, tokenTTL: tokenTTL, logger: logger, decoy: decoy}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Tier        string `json:"tier"`
}

// HandleLogin exchanges credentials for a bearer token. Failures answer 401,
// which the rate limit middleware counts as an auth violation.
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&req); err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid request body"))
		return
	}
	if err := validateLoginRequest(req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	account, ok := h.authenticate(r, req.Username, req.Password)
	if !ok {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "invalid credentials"))
		return
	}

	token, err := h.issuer.GenerateAccessToken(account.Username, "", string(account.Tier), h.tokenTTL)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to issue access token", "error", err)
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, loginResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int(h.tokenTTL.Seconds()),
		Tier:        string(account.Tier),
	})
}

func (h *AuthHandler) authenticate(r *http.Request, username, password string) (Account, bool) {
	account, ok := h.accounts[username]
	if !ok {
		if h.decoy != "" {
			_ = secrets.Verify(password, h.decoy)
		}
		return Account{}, false
	}
	if err := secrets.Verify(password, account.PasswordHash); err != nil {
		if !dErrors.HasCode(err, dErrors.CodeUnauthorized) {
			h.logger.ErrorContext(r.Context(), "failed to verify password", "error", err)
		}
		return Account{}, false
	}
	return account, true
}

func validateLoginRequest(req loginRequest) error {
	if strings.TrimSpace(req.Username) == "" || len(req.Username) > 255 {
		return dErrors.New(dErrors.CodeInvalidInput, "invalid username")
	}
	if req.Password == "" || len(req.Password) > 1024 {
		return dErrors.New(dErrors.CodeInvalidInput, "invalid password")
	}
	return nil
}
