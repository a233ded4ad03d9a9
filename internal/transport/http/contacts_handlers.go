package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-sync/internal/service/contacts"
	"github.com/vovakirdan/wirechat-sync/internal/store"
)

// ContactsHandlers provides HTTP handlers for the user directory and contact lists.
type ContactsHandlers struct {
	service *contacts.Service
	log     *zerolog.Logger
}

// NewContactsHandlers creates a new contacts handlers instance.
func NewContactsHandlers(svc *contacts.Service, logger *zerolog.Logger) *ContactsHandlers {
	return &ContactsHandlers{
		service: svc,
		log:     logger,
	}
}

// AddContactRequest names the contact by id or by email.
type AddContactRequest struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

// UserResponse represents a directory entry in API responses.
type UserResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// ContactResponse represents a contact in API responses.
type ContactResponse struct {
	UserID  string `json:"user_id"`
	Name    string `json:"name"`
	AddedAt string `json:"added_at"`
}

// LookupUser resolves an email to a user.
// GET /api/users?email=
func (h *ContactsHandlers) LookupUser(c *gin.Context) {
	email := c.Query("email")
	if email == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "email is required"})
		return
	}

	user, err := h.service.LookupByEmail(c.Request.Context(), email)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, UserResponse{ID: user.ID, Email: user.Email, Name: user.Name})
}

// ListContacts returns the caller's contacts.
// GET /api/contacts
func (h *ContactsHandlers) ListContacts(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		h.log.Error().Msg("user_id not found in context")
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
		return
	}

	list, err := h.service.ListContacts(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	resp := make([]ContactResponse, 0, len(list))
	for _, ct := range list {
		resp = append(resp, contactToResponse(ct))
	}
	c.JSON(http.StatusOK, resp)
}

// AddContact adds a user to the caller's contacts.
// POST /api/contacts
func (h *ContactsHandlers) AddContact(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		h.log.Error().Msg("user_id not found in context")
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
		return
	}

	var req AddContactRequest
	if err := c.ShouldBindJSON(&req); err != nil || (req.UserID == "" && req.Email == "") {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "user_id or email is required"})
		return
	}

	contactID := req.UserID
	if contactID == "" {
		user, err := h.service.LookupByEmail(c.Request.Context(), req.Email)
		if err != nil {
			h.respondError(c, err)
			return
		}
		contactID = user.ID
	}

	if err := h.service.AddContact(c.Request.Context(), userID, contactID); err != nil {
		h.respondError(c, err)
		return
	}

	h.log.Info().Str("user_id", userID).Str("contact_id", contactID).Msg("contact added")
	c.JSON(http.StatusCreated, gin.H{"user_id": contactID})
}

func (h *ContactsHandlers) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, contacts.ErrUserNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "user not found"})
	case errors.Is(err, contacts.ErrCannotAddSelf):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	case errors.Is(err, contacts.ErrAlreadyContact):
		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error()})
	default:
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("contacts request failed")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
	}
}

func currentUser(c *gin.Context) (string, bool) {
	v, exists := c.Get(ContextKeyUserID)
	if !exists {
		return "", false
	}
	id, ok := v.(string)
	return id, ok && id != ""
}

func contactToResponse(ct *store.Contact) ContactResponse {
	return ContactResponse{
		UserID:  ct.ContactID,
		Name:    ct.Name,
		AddedAt: ct.AddedAt.Format(time.RFC3339),
	}
}
