package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var errInvalidReportToken = errors.New("invalid report token")

type reportTokenClaims struct {
	SessionID string `json:"sessionId"`
	ExpiresAt int64  `json:"exp"`
}

func (h *Handler) hasReportTokenSecret() bool {
	return strings.TrimSpace(h.reportTokenSecret) != ""
}

func (h *Handler) signReportToken(sessionID string, expiresAt time.Time) (string, error) {
	if !h.hasReportTokenSecret() {
		return "", errInvalidReportToken
	}

	payload, err := json.Marshal(reportTokenClaims{
		SessionID: strings.TrimSpace(sessionID),
		ExpiresAt: expiresAt.UTC().Unix(),
	})
	if err != nil {
		return "", err
	}

	encodedPayload := base64.RawURLEncoding.EncodeToString(payload)
	return encodedPayload + "." + h.signReportPayload(encodedPayload), nil
}

func (h *Handler) verifyReportToken(rawToken string) (reportTokenClaims, error) {
	if !h.hasReportTokenSecret() {
		return reportTokenClaims{}, errInvalidReportToken
	}

	encodedPayload, signature, found := strings.Cut(strings.TrimSpace(rawToken), ".")
	if !found || strings.Contains(signature, ".") {
		return reportTokenClaims{}, errInvalidReportToken
	}
	if !hmac.Equal([]byte(signature), []byte(h.signReportPayload(encodedPayload))) {
		return reportTokenClaims{}, errInvalidReportToken
	}

	payload, err := base64.RawURLEncoding.DecodeString(encodedPayload)
	if err != nil {
		return reportTokenClaims{}, errInvalidReportToken
	}
	claims := reportTokenClaims{}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return reportTokenClaims{}, errInvalidReportToken
	}

	if claims.SessionID == "" || claims.ExpiresAt < time.Now().UTC().Unix() {
		return reportTokenClaims{}, errInvalidReportToken
	}
	return claims, nil
}

func (h *Handler) signReportPayload(encodedPayload string) string {
	mac := hmac.New(sha256.New, []byte(h.reportTokenSecret))
	mac.Write([]byte(encodedPayload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
