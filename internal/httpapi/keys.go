package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

type keyUploadRequest struct {
	IdentityKey    string   `json:"identityKey"`
	SignedPreKey   string   `json:"signedPreKey"`
	OneTimePreKeys []string `json:"oneTimePreKeys"`
}

type keyBundleResponse struct {
	IdentityKey   string `json:"identityKey"`
	SignedPreKey  string `json:"signedPreKey"`
	OneTimePreKey string `json:"oneTimePreKey"`
}

// uploadKeys replaces the caller's long-term key material and tops up
// its one-time prekey pool.
func (h *handlers) uploadKeys(c echo.Context) error {
	var req keyUploadRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "malformed body"})
	}
	if req.IdentityKey == "" || req.SignedPreKey == "" || len(req.OneTimePreKeys) == 0 {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "identityKey, signedPreKey and oneTimePreKeys are required"})
	}
	if err := h.deps.DB.UploadKeys(identity(c).Identifier, req.IdentityKey, req.SignedPreKey, req.OneTimePreKeys); err != nil {
		h.log.Error("key upload failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "upload failed"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "updated"})
}

// requestKey hands out one session bundle for the named identifier. The
// one-time prekey is consumed server-side, so an exhausted pool answers
// 404 until the owner tops it up.
func (h *handlers) requestKey(c echo.Context) error {
	bundle, err := h.deps.DB.TakePreKey(c.Param("identifier"))
	if err != nil {
		h.log.Error("key request failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "lookup failed"})
	}
	if bundle == nil {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "no keys available"})
	}
	return c.JSON(http.StatusOK, keyBundleResponse{
		IdentityKey:   bundle.IdentityKey,
		SignedPreKey:  bundle.SignedPreKey,
		OneTimePreKey: bundle.OneTimePreKey,
	})
}

// keyStatus reports how many one-time prekeys the caller has left.
func (h *handlers) keyStatus(c echo.Context) error {
	n, err := h.deps.DB.CountPreKeys(identity(c).Identifier)
	if err != nil {
		h.log.Error("key count failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "lookup failed"})
	}
	return c.JSON(http.StatusOK, map[string]int{"remainingKeys": n})
}
