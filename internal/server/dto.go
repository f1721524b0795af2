package server

import (
	"encoding/json"

	"reviewloop/internal/domain"
	"reviewloop/internal/engine"
)

type CreateBusinessRequest struct {
	ID      string `json:"id,omitempty"`
	Name    string `json:"name"`
	ReplyTo string `json:"reply_to,omitempty" format:"email"`
}

type BusinessResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	ReplyTo   string `json:"reply_to,omitempty"`
	CreatedAt string `json:"created_at"`
}

func businessResponse(b domain.Business) BusinessResponse {
	return BusinessResponse{
		ID:        b.ID,
		Name:      b.Name,
		Status:    b.Status,
		ReplyTo:   b.ReplyTo,
		CreatedAt: b.CreatedAt,
	}
}

func mapBusinesses(items []domain.Business) []BusinessResponse {
	res := make([]BusinessResponse, 0, len(items))
	for _, b := range items {
		res = append(res, businessResponse(b))
	}
	return res
}

type AddRecipientRequest struct {
	Email string `json:"email" format:"email"`
	Name  string `json:"name,omitempty"`
}

type RecipientResponse struct {
	ID         string `json:"id"`
	BusinessID string `json:"business_id"`
	Email      string `json:"email"`
	Name       string `json:"name,omitempty"`
	Happy      *bool  `json:"happy,omitempty"`
	CreatedAt  string `json:"created_at"`
}

func recipientResponse(r domain.Recipient) RecipientResponse {
	return RecipientResponse{
		ID:         r.ID,
		BusinessID: r.BusinessID,
		Email:      r.Email,
		Name:       r.Name,
		Happy:      r.Happy,
		CreatedAt:  r.CreatedAt,
	}
}

func mapRecipients(items []domain.Recipient) []RecipientResponse {
	res := make([]RecipientResponse, 0, len(items))
	for _, r := range items {
		res = append(res, recipientResponse(r))
	}
	return res
}

type DispatchInvitesRequest struct {
	RecipientIDs []string `json:"recipient_ids" minItems:"1"`
}

type SentInviteResponse struct {
	RecipientID string `json:"recipient_id"`
	Email       string `json:"email"`
}

type DispatchInvitesResponse struct {
	Sent    []SentInviteResponse `json:"sent"`
	Failed  map[string]string    `json:"failed,omitempty"`
	Missing []string             `json:"missing,omitempty"`
}

func dispatchResponse(res engine.DispatchResult) DispatchInvitesResponse {
	sent := make([]SentInviteResponse, 0, len(res.Sent))
	for _, s := range res.Sent {
		sent = append(sent, SentInviteResponse{RecipientID: s.RecipientID, Email: s.Email})
	}
	return DispatchInvitesResponse{Sent: sent, Failed: res.Failed, Missing: res.Missing}
}

type ClickRequest struct {
	BusinessID  string `json:"businessId"`
	RecipientID string `json:"recipientId"`
	Token       string `json:"token"`
}

type ClickResponse struct {
	Recorded       bool `json:"recorded"`
	AlreadyClicked bool `json:"already_clicked"`
}

type SubmitReviewRequest struct {
	BusinessID  string `json:"businessId"`
	RecipientID string `json:"recipientId"`
	Token       string `json:"token"`
	Type        string `json:"type" enum:"good,bad"`
	Content     string `json:"content,omitempty"`
	Stars       *int   `json:"stars,omitempty" minimum:"0" maximum:"5"`
}

type ReviewResponse struct {
	ID          string `json:"id"`
	BusinessID  string `json:"business_id"`
	RecipientID string `json:"recipient_id"`
	Content     string `json:"content"`
	Stars       *int   `json:"stars,omitempty"`
	Happy       bool   `json:"happy"`
	CreatedAt   string `json:"created_at"`
}

func reviewResponse(r domain.Review) ReviewResponse {
	return ReviewResponse{
		ID:          r.ID,
		BusinessID:  r.BusinessID,
		RecipientID: r.RecipientID,
		Content:     r.Content,
		Stars:       r.Stars,
		Happy:       r.Happy,
		CreatedAt:   r.CreatedAt,
	}
}

func mapReviews(items []domain.Review) []ReviewResponse {
	res := make([]ReviewResponse, 0, len(items))
	for _, r := range items {
		res = append(res, reviewResponse(r))
	}
	return res
}

type EventResponse struct {
	ID          int64          `json:"id"`
	BusinessID  string         `json:"business_id"`
	RecipientID string         `json:"recipient_id"`
	Action      string         `json:"action"`
	ActorID     string         `json:"actor_id,omitempty"`
	Meta        map[string]any `json:"meta,omitempty"`
	CreatedAt   string         `json:"created_at"`
}

func eventResponse(e domain.ActionEvent) EventResponse {
	var meta map[string]any
	if e.Meta != "" {
		_ = json.Unmarshal([]byte(e.Meta), &meta)
	}
	if len(meta) == 0 {
		meta = nil
	}
	return EventResponse{
		ID:          e.ID,
		BusinessID:  e.BusinessID,
		RecipientID: e.RecipientID,
		Action:      e.Action,
		ActorID:     e.ActorID,
		Meta:        meta,
		CreatedAt:   e.CreatedAt,
	}
}

func mapEvents(items []domain.ActionEvent) []EventResponse {
	res := make([]EventResponse, 0, len(items))
	for _, e := range items {
		res = append(res, eventResponse(e))
	}
	return res
}

type InviteLinksResponse struct {
	Good  string `json:"good"`
	Bad   string `json:"bad"`
	Token string `json:"token"`
}
