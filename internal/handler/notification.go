package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"

	"github.com/xenking/cloudforge-commerce/internal/domain/notification"
)

// sendNotification queues an ad-hoc notification. The user defaults to the
// caller.
func (h *Handler) sendNotification(w http.ResponseWriter, r *http.Request) {
	var (
		req              notification.Request
		rawType, channel string
	)
	err := readObject(r, func(d *jx.Decoder, key string) (err error) {
		switch key {
		case "userId":
			req.UserID, err = optStr(d)
		case "type":
			rawType, err = optStr(d)
		case "channel":
			channel, err = optStr(d)
		case "recipient":
			req.Recipient, err = optStr(d)
		case "subject":
			req.Subject, err = optStr(d)
		case "content":
			req.Content, err = optStr(d)
		case "referenceId":
			req.ReferenceID, err = optStr(d)
		case "referenceType":
			req.ReferenceType, err = optStr(d)
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if req.UserID == "" {
		req.UserID = userFrom(r.Context())
	}
	if req.Type, err = notification.ParseType(rawType); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Channel, err = notification.ParseChannel(channel); err != nil {
		writeError(w, r, err)
		return
	}

	n, err := h.Notifications.Send(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) { encodeNotification(e, n) })
}

// sendWelcome takes userId, email and name as query parameters.
func (h *Handler) sendWelcome(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := q.Get("userId")
	if userID == "" {
		userID = userFrom(r.Context())
	}

	n, err := h.Notifications.SendWelcome(r.Context(), userID, q.Get("email"), q.Get("name"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) { encodeNotification(e, n) })
}

func (h *Handler) getNotification(w http.ResponseWriter, r *http.Request) {
	n, err := h.Notifications.Get(r.Context(), chi.URLParam(r, "id"))
	if err == nil && n.UserID != userFrom(r.Context()) {
		err = notification.ErrNotFound
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeNotification(e, n) })
}

func (h *Handler) listUserNotifications(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	if userID != userFrom(r.Context()) {
		writeStatus(w, http.StatusForbidden, "notifications of other users are not visible")
		return
	}
	req, err := pageRequest(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.Notifications.ListForUser(r.Context(), userID, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodePage(e, res, encodeNotification) })
}

func (h *Handler) listNotificationsByType(w http.ResponseWriter, r *http.Request) {
	t, err := notification.ParseType(chi.URLParam(r, "type"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	req, err := pageRequest(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.Notifications.ListByType(r.Context(), t, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodePage(e, res, encodeNotification) })
}

func encodeNotification(e *jx.Encoder, n *notification.Notification) {
	e.ObjStart()
	field(e, "id", n.ID)
	field(e, "userId", n.UserID)
	field(e, "type", string(n.Type))
	field(e, "channel", string(n.Channel))
	field(e, "recipient", n.Recipient)
	field(e, "subject", n.Subject)
	field(e, "status", string(n.Status))
	optField(e, "referenceId", n.ReferenceID)
	optField(e, "referenceType", n.ReferenceType)
	e.FieldStart("retryCount")
	e.Int(n.RetryCount)
	optField(e, "errorMessage", n.ErrorMessage)
	if n.SentAt != nil {
		e.FieldStart("sentAt")
		encodeTime(e, *n.SentAt)
	}
	e.FieldStart("createdAt")
	encodeTime(e, n.CreatedAt)
	e.ObjEnd()
}
