package gateway

import (
	"net/http"
	"strings"
)

type userProfile struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	CreatedAt string `json:"createdAt,omitempty"`
}

type teamProfile struct {
	ID   string `json:"id"`
	Slug string `json:"slug"`
	Name string `json:"name"`
}

func profileFor(p *Principal) userProfile {
	u := userProfile{
		ID:       p.UserID,
		Username: p.Username,
		Email:    p.Email,
		Name:     p.Name,
	}
	// Shared-secret callers have no user record; present the scope instead.
	if u.ID == "" {
		u.ID = p.Scope
	}
	if u.Username == "" {
		u.Username = p.TeamSlug
	}
	return u
}

func teamFor(p *Principal) teamProfile {
	t := teamProfile{ID: p.Scope, Slug: p.TeamSlug, Name: p.TeamName}
	if t.Slug == "" {
		t.Slug = p.Scope
	}
	if t.Name == "" {
		t.Name = t.Slug
	}
	return t
}

func (s *server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	p := principalFromRequest(r)
	if p == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": profileFor(p)})
}

func (s *server) handleListTeams(w http.ResponseWriter, r *http.Request) {
	p := principalFromRequest(r)
	if p == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"teams": []teamProfile{teamFor(p)}})
}

// handleGetTeam only ever reveals the caller's own team.
func (s *server) handleGetTeam(w http.ResponseWriter, r *http.Request) {
	p := principalFromRequest(r)
	if p == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	id := strings.TrimSpace(r.PathValue("teamId"))
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "team id required"})
		return
	}
	team := teamFor(p)
	if id != team.ID && id != team.Slug {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "team not found"})
		return
	}
	writeJSON(w, http.StatusOK, team)
}
