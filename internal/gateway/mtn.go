package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// MTN pays out through the MoMo disbursement API. The idempotency key is sent as
// X-Reference-Id, so the provider refuses a second transfer under the same key and the
// transfer status can always be read back by key.
type MTN struct {
	cfg    HTTPConfig
	tokens *tokenCache
}

// NewMTN builds a MoMo disbursement adapter.
func NewMTN(cfg HTTPConfig) *MTN {
	if cfg.Name == "" {
		cfg.Name = "mtn"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	m := &MTN{cfg: cfg}
	m.tokens = &tokenCache{fetch: m.fetchToken}
	return m
}

func (m *MTN) Name() string { return m.cfg.Name }

var mtnReasons = map[string]RejectKind{
	"PAYEE_NOT_FOUND":                InvalidRecipient,
	"PAYEE_NOT_ALLOWED_TO_RECEIVE":   InvalidRecipient,
	"INVALID_PAYEE":                  InvalidRecipient,
	"INVALID_MSISDN":                 InvalidRecipient,
	"NOT_ENOUGH_FUNDS":               InsufficientMerchantFunds,
	"PAYER_LIMIT_REACHED":            ProviderRefused,
	"PAYEE_LIMIT_REACHED":            ProviderRefused,
	"NOT_ALLOWED":                    ProviderRefused,
	"NOT_ALLOWED_TARGET_ENVIRONMENT": ProviderRefused,
	"INVALID_CURRENCY":               ProviderRefused,
	"APPROVAL_REJECTED":              ProviderRefused,
	"TRANSACTION_CANCELED":           ProviderRefused,
	"EXPIRED":                        ProviderRefused,
}

type mtnParty struct {
	PartyIDType string `json:"partyIdType"`
	PartyID     string `json:"partyId"`
}

type mtnTransfer struct {
	Amount       string   `json:"amount"`
	Currency     string   `json:"currency"`
	ExternalID   string   `json:"externalId"`
	Payee        mtnParty `json:"payee"`
	PayerMessage string   `json:"payerMessage"`
	PayeeNote    string   `json:"payeeNote"`
}

type mtnStatus struct {
	FinancialTransactionID string          `json:"financialTransactionId"`
	ExternalID             string          `json:"externalId"`
	Status                 string          `json:"status"`
	Reason                 json.RawMessage `json:"reason"`
}

type mtnError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// reasonCode reads reason either as a bare string or as {"code": ...}.
func reasonCode(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var code string
	if json.Unmarshal(raw, &code) == nil {
		return code
	}
	var obj mtnError
	if json.Unmarshal(raw, &obj) == nil {
		return obj.Code
	}
	return ""
}

// Send submits the transfer and reads back its status.
func (m *MTN) Send(ctx context.Context, req Request) Result {
	token, err := m.tokens.get(ctx)
	if err != nil {
		return Indeterminate("token: " + err.Error())
	}

	body := mtnTransfer{
		Amount:       strconv.FormatInt(req.Amount, 10),
		Currency:     req.Currency,
		ExternalID:   req.IdempotencyKey,
		Payee:        mtnParty{PartyIDType: "MSISDN", PartyID: req.Recipient},
		PayerMessage: req.Description,
		PayeeNote:    req.Description,
	}
	resp, err := doJSON(ctx, m.cfg.client(), http.MethodPost, m.cfg.BaseURL+"/disbursement/v1_0/transfer", m.headers(token, req.IdempotencyKey), body)
	if err != nil {
		return Indeterminate("transfer: " + err.Error())
	}

	switch {
	case resp.status == http.StatusAccepted, resp.status == http.StatusConflict:
		// 409 means the reference already exists: an earlier attempt reached the provider.
		return m.status(ctx, token, req.IdempotencyKey)
	case resp.status == http.StatusUnauthorized:
		m.tokens.invalidate()
		return Indeterminate("transfer: unauthorized")
	case resp.status >= 400 && resp.status < 500:
		var e mtnError
		if resp.decode(&e) == nil {
			if kind, ok := mtnReasons[e.Code]; ok {
				return Rejected(kind, e.Code+": "+e.Message)
			}
		}
		return Indeterminate(fmt.Sprintf("transfer: unmapped status %d: %s", resp.status, truncate(resp.body)))
	default:
		return Indeterminate(fmt.Sprintf("transfer: status %d", resp.status))
	}
}

func (m *MTN) status(ctx context.Context, token, referenceID string) Result {
	resp, err := doJSON(ctx, m.cfg.client(), http.MethodGet, m.cfg.BaseURL+"/disbursement/v1_0/transfer/"+referenceID, m.headers(token, ""), nil)
	if err != nil {
		return Indeterminate("status: " + err.Error())
	}
	if resp.status != http.StatusOK {
		return Indeterminate(fmt.Sprintf("status: http %d", resp.status))
	}
	var st mtnStatus
	if err := resp.decode(&st); err != nil {
		return Indeterminate("status: " + err.Error())
	}

	switch strings.ToUpper(st.Status) {
	case "SUCCESSFUL":
		if st.FinancialTransactionID != "" {
			return Success(st.FinancialTransactionID)
		}
		return Success(referenceID)
	case "FAILED", "REJECTED":
		code := reasonCode(st.Reason)
		if kind, ok := mtnReasons[code]; ok {
			return Rejected(kind, code)
		}
		return Rejected(ProviderRefused, "transfer failed: "+code)
	default:
		return Indeterminate("transfer " + strings.ToLower(st.Status))
	}
}

func (m *MTN) headers(token, referenceID string) map[string]string {
	h := map[string]string{
		"Authorization":             "Bearer " + token,
		"X-Target-Environment":      m.cfg.TargetEnvironment,
		"Ocp-Apim-Subscription-Key": m.cfg.SubscriptionKey,
	}
	if referenceID != "" {
		h["X-Reference-Id"] = referenceID
	}
	return h
}

func (m *MTN) fetchToken(ctx context.Context) (string, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.BaseURL+"/disbursement/token/", nil)
	if err != nil {
		return "", 0, err
	}
	req.SetBasicAuth(m.cfg.APIUser, m.cfg.APIKey)
	req.Header.Set("Ocp-Apim-Subscription-Key", m.cfg.SubscriptionKey)

	resp, err := m.cfg.client().Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}
	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", 0, err
	}
	if tok.AccessToken == "" {
		return "", 0, fmt.Errorf("token endpoint returned no access token")
	}
	return tok.AccessToken, tok.ExpiresIn.duration(), nil
}

func truncate(b []byte) string {
	const limit = 200
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
