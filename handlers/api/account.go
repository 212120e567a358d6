package api

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"mailcore/connector"
	"mailcore/middleware"
	"mailcore/models"
	"mailcore/storage"
	"mailcore/utils"
)

// AccountHandler handles connecting and listing mailbox accounts
type AccountHandler struct {
	connector *connector.Connector
	store     storage.Store
}

// NewAccountHandler creates a new account handler
func NewAccountHandler(conn *connector.Connector, store storage.Store) *AccountHandler {
	return &AccountHandler{connector: conn, store: store}
}

// portValue accepts 993 as well as "993"
type portValue int

func (p *portValue) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(bytes.TrimSpace(b), `"`)
	if len(b) == 0 || string(b) == "null" {
		*p = 0
		return nil
	}
	n, err := strconv.Atoi(string(bytes.TrimSpace(b)))
	if err != nil {
		return fmt.Errorf("port %q is not a number", b)
	}
	*p = portValue(n)
	return nil
}

// flagValue accepts true as well as "true" and "1"
type flagValue bool

func (f *flagValue) UnmarshalJSON(b []byte) error {
	*f = flagValue(utils.ParseFlag(string(bytes.Trim(b, `"`))))
	return nil
}

type createAccountRequest struct {
	Email       string    `json:"email"`
	DisplayName string    `json:"displayName"`
	IMAPHost    string    `json:"imapHost"`
	IMAPPort    portValue `json:"imapPort"`
	IMAPSecure  flagValue `json:"imapSecure"`
	SMTPHost    string    `json:"smtpHost"`
	SMTPPort    portValue `json:"smtpPort"`
	SMTPSecure  flagValue `json:"smtpSecure"`
	Username    string    `json:"username"`
	Password    string    `json:"password"`
}

// CreateAccount connects a direct IMAP/SMTP account
func (h *AccountHandler) CreateAccount(c *fiber.Ctx) error {
	var req createAccountRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ValidationError("invalid request body", err)
	}

	account, err := h.connector.ConnectDirect(c.UserContext(), middleware.UserID(c), connector.DirectCandidate{
		Email:       req.Email,
		DisplayName: req.DisplayName,
		IMAPHost:    req.IMAPHost,
		IMAPPort:    int(req.IMAPPort),
		IMAPSecure:  bool(req.IMAPSecure),
		SMTPHost:    req.SMTPHost,
		SMTPPort:    int(req.SMTPPort),
		SMTPSecure:  bool(req.SMTPSecure),
		Username:    req.Username,
		Password:    req.Password,
	})
	if err != nil {
		return err
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"account": account.Public()})
}

// GetAccounts lists the caller's accounts
func (h *AccountHandler) GetAccounts(c *fiber.Ctx) error {
	accounts, err := h.store.ListAccounts(c.UserContext(), middleware.UserID(c))
	if err != nil {
		return utils.PersistenceError("failed to list mailbox accounts", err)
	}

	out := make([]*models.PublicAccount, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, a.Public())
	}
	return c.JSON(fiber.Map{"accounts": out})
}

// GetAccount returns one of the caller's accounts
func (h *AccountHandler) GetAccount(c *fiber.Ctx) error {
	account, err := h.store.GetAccount(c.UserContext(), middleware.UserID(c), c.Params("id"))
	if err != nil {
		return lookupError(err)
	}
	return c.JSON(fiber.Map{"account": account.Public()})
}

// GetSentMessages returns the account's sent log, newest first
func (h *AccountHandler) GetSentMessages(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 0)
	if limit < 0 {
		return utils.ValidationError("limit must not be negative", nil).WithContext("field", "limit")
	}

	records, err := h.store.ListSentMessages(c.UserContext(), middleware.UserID(c), c.Params("id"), limit)
	if err != nil {
		return lookupError(err)
	}
	if records == nil {
		records = []*models.SentMessageRecord{}
	}
	return c.JSON(fiber.Map{"messages": records})
}

func lookupError(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return utils.NotFoundError("mailbox account not found", err)
	}
	return utils.PersistenceError("failed to load mailbox account", err)
}
