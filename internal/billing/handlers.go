package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/streampass/streampass/internal/database"
	"github.com/streampass/streampass/internal/httputil"
)

const maxWebhookBodyBytes = 64 * 1024

type Handlers struct {
	db            database.DBTX
	creem         *Client
	baseURL       string
	webhookSecret string
}

func NewHandlers(db database.DBTX, creem *Client, baseURL, webhookSecret string) *Handlers {
	return &Handlers{
		db:            db,
		creem:         creem,
		baseURL:       baseURL,
		webhookSecret: webhookSecret,
	}
}

type checkoutViewerRequest struct {
	ViewerSessionID string `json:"viewerSessionId"`
}

// CreateCheckout opens a Creem checkout for a paywalled video. The
// completion webhook records the purchase, after which the viewer's
// token requests succeed.
func (h *Handlers) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")

	var req checkoutViewerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ViewerSessionID == "" {
		httputil.WriteError(w, http.StatusBadRequest, "viewerSessionId is required")
		return
	}

	var videoID string
	var requiresPurchase bool
	var productID *string
	err := h.db.QueryRow(r.Context(),
		`SELECT id, requires_purchase, creem_product_id FROM videos WHERE slug = $1 AND status = 'ready'`,
		slug,
	).Scan(&videoID, &requiresPurchase, &productID)
	if errors.Is(err, pgx.ErrNoRows) {
		httputil.WriteError(w, http.StatusNotFound, "video not found")
		return
	}
	if err != nil {
		log.Printf("checkout video lookup: %v", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to create checkout")
		return
	}

	if !requiresPurchase || productID == nil {
		httputil.WriteError(w, http.StatusBadRequest, "video does not require purchase")
		return
	}

	successURL := h.baseURL + "/watch/" + slug + "?purchase=success"
	checkoutURL, err := h.creem.CreateCheckout(r.Context(), *productID, successURL, map[string]string{
		"videoId":         videoID,
		"viewerSessionId": req.ViewerSessionID,
	})
	if err != nil {
		log.Printf("create checkout: %v", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to create checkout")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]string{"checkoutUrl": checkoutURL})
}

type webhookPayload struct {
	Event  string        `json:"event"`
	Object webhookObject `json:"object"`
}

type webhookObject struct {
	ID       string          `json:"id"`
	Metadata webhookMetadata `json:"metadata"`
}

type webhookMetadata struct {
	VideoID         string `json:"videoId"`
	ViewerSessionID string `json:"viewerSessionId"`
}

func (h *Handlers) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	signature := r.Header.Get("creem-signature")
	if !h.verifySignature(body, signature) {
		httputil.WriteError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	switch payload.Event {
	case "checkout.completed":
		h.handleCheckoutCompleted(r, w, payload)
	default:
		log.Printf("webhook: unhandled event %s", payload.Event)
		w.WriteHeader(http.StatusOK)
	}
}

func (h *Handlers) handleCheckoutCompleted(r *http.Request, w http.ResponseWriter, payload webhookPayload) {
	videoID := payload.Object.Metadata.VideoID
	viewerSession := payload.Object.Metadata.ViewerSessionID
	if videoID == "" || viewerSession == "" {
		log.Printf("webhook %s: missing purchase metadata", payload.Event)
		w.WriteHeader(http.StatusOK)
		return
	}

	_, err := h.db.Exec(r.Context(),
		`INSERT INTO purchases (video_id, viewer_session_id, checkout_id)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (video_id, viewer_session_id) DO NOTHING`,
		videoID, viewerSession, payload.Object.ID,
	)
	if err != nil {
		log.Printf("record purchase: %v", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to record purchase")
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (h *Handlers) verifySignature(body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(h.webhookSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
