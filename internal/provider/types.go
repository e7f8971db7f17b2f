package provider

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

type Status string

const (
	StatusApproved Status = "approved"
	StatusPending  Status = "pending"
	StatusRejected Status = "rejected"
)

// normalizeStatus folds the provider's status vocabulary into three outcomes.
func normalizeStatus(raw string) (Status, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "approved":
		return StatusApproved, true
	case "pending", "in_process", "authorized", "in_mediation":
		return StatusPending, true
	case "rejected", "cancelled", "refunded", "charged_back":
		return StatusRejected, true
	}
	return "", false
}

// ID accepts both JSON numbers and strings; the provider is not consistent.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id is neither string nor number: %w", err)
	}
	if i, err := n.Int64(); err == nil {
		*id = ID(strconv.FormatInt(i, 10))
		return nil
	}
	f, err := n.Float64()
	if err != nil {
		return err
	}
	*id = ID(strconv.FormatInt(int64(f), 10))
	return nil
}

func (id ID) Int64() (int64, error) {
	return strconv.ParseInt(string(id), 10, 64)
}

type Item struct {
	Title      string  `json:"title"`
	Quantity   int     `json:"quantity"`
	UnitPrice  float64 `json:"unit_price"`
	CurrencyID string  `json:"currency_id"`
}

type Metadata struct {
	NgoID   ID `json:"ngo_id"`
	DonorID ID `json:"donor_id"`
}

type BackURLs struct {
	Success string `json:"success"`
	Failure string `json:"failure"`
	Pending string `json:"pending"`
}

type PreferenceRequest struct {
	Items             []Item   `json:"items"`
	Metadata          Metadata `json:"metadata"`
	ExternalReference string   `json:"external_reference,omitempty"`
	BackURLs          BackURLs `json:"back_urls"`
	AutoReturn        string   `json:"auto_return,omitempty"`
	NotificationURL   string   `json:"notification_url,omitempty"`
	Expires           bool     `json:"expires,omitempty"`
	ExpirationDateTo  string   `json:"expiration_date_to,omitempty"`
}

// ExpirationLayout is the timestamp format checkout expiration fields use.
const ExpirationLayout = "2006-01-02T15:04:05.000Z07:00"

type Preference struct {
	ID        string
	InitPoint string
}

type preferenceResponse struct {
	ID        string `json:"id"`
	InitPoint string `json:"init_point"`
}

func (r preferenceResponse) validate() (*Preference, error) {
	if r.ID == "" {
		return nil, fmt.Errorf("%w: preference without id", ErrInvalidResponse)
	}
	if r.InitPoint == "" {
		return nil, fmt.Errorf("%w: preference %s without init_point", ErrInvalidResponse, r.ID)
	}
	return &Preference{ID: r.ID, InitPoint: r.InitPoint}, nil
}

// Payment is the validated view of a provider payment.
type Payment struct {
	ID                string
	Status            Status
	RawStatus         string
	StatusDetail      string
	ExternalReference string
	Metadata          Metadata
	Amount            float64
	Currency          string
}

type paymentResponse struct {
	ID                ID       `json:"id"`
	Status            string   `json:"status"`
	StatusDetail      string   `json:"status_detail"`
	ExternalReference string   `json:"external_reference"`
	Metadata          Metadata `json:"metadata"`
	TransactionAmount float64  `json:"transaction_amount"`
	CurrencyID        string   `json:"currency_id"`
}

func (r paymentResponse) validate() (*Payment, error) {
	if r.ID == "" {
		return nil, fmt.Errorf("%w: payment without id", ErrInvalidResponse)
	}
	status, ok := normalizeStatus(r.Status)
	if !ok {
		return nil, fmt.Errorf("%w: payment %s has unknown status %q", ErrInvalidResponse, r.ID, r.Status)
	}
	return &Payment{
		ID:                string(r.ID),
		Status:            status,
		RawStatus:         r.Status,
		StatusDetail:      r.StatusDetail,
		ExternalReference: r.ExternalReference,
		Metadata:          r.Metadata,
		Amount:            r.TransactionAmount,
		Currency:          r.CurrencyID,
	}, nil
}

type searchResponse struct {
	Results []paymentResponse `json:"results"`
}
