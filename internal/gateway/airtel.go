package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Airtel pays out through the Airtel Money disbursement API. The idempotency key is the
// transaction id, which the provider deduplicates and which the enquiry endpoint accepts.
type Airtel struct {
	cfg    HTTPConfig
	tokens *tokenCache
}

// NewAirtel builds an Airtel Money disbursement adapter.
func NewAirtel(cfg HTTPConfig) *Airtel {
	if cfg.Name == "" {
		cfg.Name = "airtel"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	a := &Airtel{cfg: cfg}
	a.tokens = &tokenCache{fetch: a.fetchToken}
	return a
}

func (a *Airtel) Name() string { return a.cfg.Name }

const (
	airtelSuccess    = "DP00900001001"
	airtelAmbiguous  = "DP00900001000"
	airtelInProgress = "DP00900001006"
	airtelDuplicate  = "DP00900001014"
)

var airtelCodes = map[string]RejectKind{
	"DP00900001003": ProviderRefused,
	"DP00900001004": ProviderRefused,
	"DP00900001007": InsufficientMerchantFunds,
	"DP00900001009": ProviderRefused,
	"DP00900001010": InvalidRecipient,
	"DP00900001011": ProviderRefused,
	"DP00900001012": InvalidRecipient,
	"DP00900001013": InvalidRecipient,
}

type airtelStatus struct {
	ResponseCode string `json:"response_code"`
	Code         string `json:"code"`
	Success      bool   `json:"success"`
	Message      string `json:"message"`
}

type airtelTransaction struct {
	ID            string `json:"id"`
	ReferenceID   string `json:"reference_id"`
	AirtelMoneyID string `json:"airtel_money_id"`
	Status        string `json:"status"`
	Message       string `json:"message"`
}

type airtelResponse struct {
	Data struct {
		Transaction airtelTransaction `json:"transaction"`
	} `json:"data"`
	Status airtelStatus `json:"status"`
}

type airtelPayee struct {
	MSISDN     string `json:"msisdn"`
	WalletType string `json:"wallet_type"`
}

type airtelTxnBody struct {
	Amount int64  `json:"amount"`
	ID     string `json:"id"`
	Type   string `json:"type"`
}

type airtelDisbursement struct {
	Payee       airtelPayee   `json:"payee"`
	Reference   string        `json:"reference"`
	Transaction airtelTxnBody `json:"transaction"`
}

// Send submits the disbursement and maps the provider response code.
func (a *Airtel) Send(ctx context.Context, req Request) Result {
	token, err := a.tokens.get(ctx)
	if err != nil {
		return Indeterminate("token: " + err.Error())
	}

	body := airtelDisbursement{
		Payee:       airtelPayee{MSISDN: req.Recipient, WalletType: "NORMAL"},
		Reference:   req.Description,
		Transaction: airtelTxnBody{Amount: req.Amount, ID: req.IdempotencyKey, Type: "B2C"},
	}
	resp, err := doJSON(ctx, a.cfg.client(), http.MethodPost, a.cfg.BaseURL+"/standard/v2/disbursements/", a.headers(token, req.Currency), body)
	if err != nil {
		return Indeterminate("disbursement: " + err.Error())
	}
	if resp.status == http.StatusUnauthorized {
		a.tokens.invalidate()
		return Indeterminate("disbursement: unauthorized")
	}
	if resp.status >= 500 {
		return Indeterminate(fmt.Sprintf("disbursement: status %d", resp.status))
	}

	var out airtelResponse
	if err := resp.decode(&out); err != nil {
		return Indeterminate(fmt.Sprintf("disbursement: status %d: %v", resp.status, err))
	}

	switch code := out.Status.ResponseCode; code {
	case airtelSuccess:
		return airtelSettled(out.Data.Transaction, req.IdempotencyKey)
	case airtelAmbiguous, airtelInProgress, airtelDuplicate:
		return a.enquire(ctx, token, req)
	default:
		if kind, ok := airtelCodes[code]; ok {
			return Rejected(kind, code+": "+out.Status.Message)
		}
		return Indeterminate(fmt.Sprintf("disbursement: unmapped response code %q", code))
	}
}

// enquire reads the transaction state back by id.
func (a *Airtel) enquire(ctx context.Context, token string, req Request) Result {
	resp, err := doJSON(ctx, a.cfg.client(), http.MethodGet, a.cfg.BaseURL+"/standard/v1/disbursements/"+req.IdempotencyKey, a.headers(token, req.Currency), nil)
	if err != nil {
		return Indeterminate("enquiry: " + err.Error())
	}
	if resp.status != http.StatusOK {
		return Indeterminate(fmt.Sprintf("enquiry: status %d", resp.status))
	}
	var out airtelResponse
	if err := resp.decode(&out); err != nil {
		return Indeterminate("enquiry: " + err.Error())
	}

	txn := out.Data.Transaction
	switch strings.ToUpper(txn.Status) {
	case "TS":
		return airtelSettled(txn, req.IdempotencyKey)
	case "TF":
		return Rejected(ProviderRefused, "transaction failed: "+txn.Message)
	default:
		return Indeterminate("transaction status " + txn.Status)
	}
}

func airtelSettled(txn airtelTransaction, key string) Result {
	switch {
	case txn.AirtelMoneyID != "":
		return Success(txn.AirtelMoneyID)
	case txn.ReferenceID != "":
		return Success(txn.ReferenceID)
	default:
		return Success(key)
	}
}

func (a *Airtel) headers(token, currency string) map[string]string {
	if a.cfg.Currency != "" {
		currency = a.cfg.Currency
	}
	return map[string]string{
		"Authorization": "Bearer " + token,
		"X-Country":     a.cfg.Country,
		"X-Currency":    currency,
	}
}

func (a *Airtel) fetchToken(ctx context.Context) (string, time.Duration, error) {
	payload := map[string]string{
		"client_id":     a.cfg.APIUser,
		"client_secret": a.cfg.APIKey,
		"grant_type":    "client_credentials",
	}
	resp, err := doJSON(ctx, a.cfg.client(), http.MethodPost, a.cfg.BaseURL+"/auth/oauth2/token", nil, payload)
	if err != nil {
		return "", 0, err
	}
	if resp.status != http.StatusOK {
		return "", 0, fmt.Errorf("token endpoint returned %d", resp.status)
	}
	var tok tokenResponse
	if err := resp.decode(&tok); err != nil {
		return "", 0, err
	}
	if tok.AccessToken == "" {
		return "", 0, fmt.Errorf("token endpoint returned no access token")
	}
	return tok.AccessToken, tok.ExpiresIn.duration(), nil
}
