package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"gigconnect-chat/internal/apperr"
	"gigconnect-chat/internal/models"
)

// API is a REST client for the chat service.
type API struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewAPI builds an API for baseURL authenticated with token. A nil httpClient
// uses a client with a 15s timeout.
func NewAPI(baseURL, token string, httpClient *http.Client) *API {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &API{baseURL: strings.TrimRight(baseURL, "/"), token: token, http: httpClient}
}

// SendRequest is the body of POST /messages.
type SendRequest struct {
	ChatID      int                        `json:"chat_id"`
	Type        models.MessageType         `json:"type,omitempty"`
	Content     string                     `json:"content"`
	Application *models.ApplicationPayload `json:"application,omitempty"`
	ClientNonce string                     `json:"client_nonce,omitempty"`
}

func (a *API) ListChats(ctx context.Context) ([]models.ChatSummary, error) {
	var resp struct {
		Chats []models.ChatSummary `json:"chats"`
	}
	if err := a.do(ctx, http.MethodGet, "/chats", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Chats, nil
}

func (a *API) GetOrCreateChat(ctx context.Context, participantID int, gigID *int) (models.ChatSummary, bool, error) {
	req := struct {
		ParticipantID int  `json:"participant_id"`
		GigID         *int `json:"gig_id,omitempty"`
	}{participantID, gigID}
	var resp struct {
		Chat    models.ChatSummary `json:"chat"`
		Created bool               `json:"created"`
	}
	if err := a.do(ctx, http.MethodPost, "/chats", req, &resp); err != nil {
		return models.ChatSummary{}, false, err
	}
	return resp.Chat, resp.Created, nil
}

func (a *API) GetChat(ctx context.Context, chatID int) (models.ChatDetail, error) {
	var detail models.ChatDetail
	err := a.do(ctx, http.MethodGet, "/chats/"+strconv.Itoa(chatID), nil, &detail)
	return detail, err
}

func (a *API) Page(ctx context.Context, chatID int, cursor int64, limit int, direction string) (models.MessagePage, error) {
	q := url.Values{}
	if cursor > 0 {
		q.Set("cursor", strconv.FormatInt(cursor, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if direction != "" {
		q.Set("direction", direction)
	}
	path := "/chats/" + strconv.Itoa(chatID) + "/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var page models.MessagePage
	err := a.do(ctx, http.MethodGet, path, nil, &page)
	return page, err
}

func (a *API) Send(ctx context.Context, req SendRequest) (models.Message, error) {
	var msg models.Message
	err := a.do(ctx, http.MethodPost, "/messages", req, &msg)
	return msg, err
}

// MarkRead marks everything up to upToID as read by the caller.
func (a *API) MarkRead(ctx context.Context, chatID, upToID int) (models.ReadReceipt, error) {
	req := struct {
		ChatID int `json:"chat_id"`
		UpToID int `json:"up_to_id"`
	}{chatID, upToID}
	var receipt models.ReadReceipt
	err := a.do(ctx, http.MethodPut, "/messages/mark-read", req, &receipt)
	return receipt, err
}

func (a *API) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.KindTransport, "chat service unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.Wrap(apperr.KindTransport, "malformed response", err)
	}
	return nil
}

// decodeError turns an {"error", "code"} body into an apperr.Error, falling
// back to the status code when the body is not ours.
func decodeError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = json.Unmarshal(data, &body)

	kind := apperr.Kind(body.Code)
	switch kind {
	case apperr.KindNotFound, apperr.KindUnauthenticated, apperr.KindForbidden,
		apperr.KindValidation, apperr.KindConflict, apperr.KindTransport, apperr.KindInternal:
	default:
		kind = apperr.FromHTTPStatus(resp.StatusCode)
	}
	message := body.Error
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	return apperr.New(kind, message)
}
