package api

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"

	hubstatedb "github.com/Maphikza/btc-payment-hub.git/internal/database"
	"github.com/Maphikza/btc-payment-hub.git/internal/logger"
)

const challengeTTL = 2 * time.Minute

// OwnerPubKey accepts an npub or a hex public key and returns the hex form.
func OwnerPubKey(key string) (string, error) {
	if prefix, value, err := nip19.Decode(key); err == nil {
		if prefix != "npub" {
			return "", fmt.Errorf("expected an npub, got %s", prefix)
		}
		hexKey, ok := value.(string)
		if !ok {
			return "", fmt.Errorf("unexpected npub payload")
		}
		return hexKey, nil
	}
	raw, err := hex.DecodeString(key)
	if err != nil || len(raw) != 32 {
		return "", fmt.Errorf("owner key must be an npub or 32-byte hex key")
	}
	return key, nil
}

// HandleChallengeRequest issues a one-time challenge the owner signs as a nostr event.
func (a *API) HandleChallengeRequest(w http.ResponseWriter, _ *http.Request) {
	if a.ownerPubKey == "" {
		writeError(w, http.StatusInternalServerError, "owner public key not configured")
		return
	}

	challenge, hash, err := generateChallenge()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to generate challenge")
		return
	}
	if err := a.store.SaveChallenge(hubstatedb.Challenge{
		Challenge: challenge,
		Hash:      hash,
		Status:    hubstatedb.ChallengeUnused,
		Npub:      a.ownerPubKey,
		CreatedAt: time.Now(),
	}); err != nil {
		logger.Error("failed to save challenge", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to save challenge")
		return
	}

	// Returned as an unsigned event template for the owner's signer.
	writeJSON(w, http.StatusOK, &nostr.Event{
		PubKey:    a.ownerPubKey,
		CreatedAt: nostr.Timestamp(time.Now().Unix()),
		Kind:      1,
		Tags:      nostr.Tags{},
		Content:   challenge,
	})
}

func generateChallenge() (string, string, error) {
	timestamp := time.Now().Format(time.RFC3339Nano)
	letters := []byte("abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ")
	challenge := make([]byte, 12)
	if _, err := rand.Read(challenge); err != nil {
		return "", "", err
	}
	for i := range challenge {
		challenge[i] = letters[challenge[i]%byte(len(letters))]
	}
	fullChallenge := fmt.Sprintf("%s-%s", string(challenge), timestamp)
	hash := sha256.Sum256([]byte(fullChallenge))
	return fullChallenge, hex.EncodeToString(hash[:]), nil
}

// VerifyChallenge exchanges a signed challenge event for a JWT.
func (a *API) VerifyChallenge(w http.ResponseWriter, r *http.Request) {
	var verifyPayload struct {
		Challenge string      `json:"challenge"`
		Event     nostr.Event `json:"event"`
	}
	if err := json.NewDecoder(r.Body).Decode(&verifyPayload); err != nil {
		writeError(w, http.StatusBadRequest, "cannot parse JSON")
		return
	}

	challengeHash := sha256.Sum256([]byte(verifyPayload.Challenge))
	hashString := hex.EncodeToString(challengeHash[:])
	challenge, err := a.store.GetChallenge(hashString)
	if err != nil || challenge.Status != hubstatedb.ChallengeUnused {
		writeError(w, http.StatusUnauthorized, "invalid or expired challenge")
		return
	}
	if time.Since(challenge.CreatedAt) > challengeTTL {
		a.store.MarkChallengeAsUsed(challenge.Hash)
		writeError(w, http.StatusUnauthorized, "challenge expired")
		return
	}

	event := verifyPayload.Event
	if event.PubKey != challenge.Npub {
		writeError(w, http.StatusUnauthorized, "public key mismatch")
		return
	}
	if event.Content != verifyPayload.Challenge {
		writeError(w, http.StatusUnauthorized, "event does not carry the challenge")
		return
	}
	if !verifyEvent(&event) {
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	if err := a.store.MarkChallengeAsUsed(challenge.Hash); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid or expired challenge")
		return
	}
	tokenString, err := a.GenerateJWT(challenge.Npub)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}
	logger.Info("owner logged in", "pubkey", challenge.Npub)
	writeJSON(w, http.StatusOK, map[string]string{"token": tokenString})
}

// verifyEvent checks that the id is the hash of the event and the signature covers it.
func verifyEvent(event *nostr.Event) bool {
	if event.GetID() != event.ID {
		return false
	}
	ok, err := event.CheckSignature()
	if err != nil {
		logger.Debug("error checking signature", "err", err)
		return false
	}
	return ok
}
