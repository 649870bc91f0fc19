package handler

import (
	"gatekeeper/internal/sessions/device"
	"gatekeeper/internal/sessions/models"
)

type SuccessResponse struct {
	Success bool `json:"success"`
}

type RevokeAllResponse struct {
	Success bool `json:"success"`
	Revoked int  `json:"revoked"`
}

type AdmitResponse struct {
	Session models.SessionSummary `json:"session"`
	Evicted []string              `json:"evicted"`
}

func toSummary(s *models.Session, currentToken string) models.SessionSummary {
	return models.SessionSummary{
		ID:           s.ID.String(),
		Device:       device.ParseUserAgent(s.UserAgent),
		UserAgent:    s.UserAgent,
		IPAddress:    s.IPAddress,
		CreatedAt:    s.CreatedAt,
		LastActiveAt: s.LastActiveAt,
		Active:       s.Active,
		IsCurrent:    s.MatchesToken(currentToken),
	}
}

func toSessionsResult(sessions []*models.Session, currentToken string) models.SessionsResult {
	out := models.SessionsResult{Sessions: make([]models.SessionSummary, 0, len(sessions))}
	for _, s := range sessions {
		out.Sessions = append(out.Sessions, toSummary(s, currentToken))
	}
	return out
}

func toAdmitResponse(res *models.AdmitResult, token string) AdmitResponse {
	evicted := make([]string, 0, len(res.Evicted))
	for _, s := range res.Evicted {
		evicted = append(evicted, s.ID.String())
	}
	return AdmitResponse{
		Session: toSummary(res.Session, token),
		Evicted: evicted,
	}
}
