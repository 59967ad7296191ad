// Package server is the HTTP surface: the flat path-and-method dispatcher,
// the handler set, sessions, the share-link store, and the static cache.
/*
 * Copyright (c) 2025, NVIDIA CORPORATION. All rights reserved.
 */
package server

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/NVIDIA/meshrank/cmn"
	"github.com/NVIDIA/meshrank/cmn/cos"
	"github.com/NVIDIA/meshrank/cmn/nlog"
	"github.com/NVIDIA/meshrank/meshdb"
	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/crypto/scrypt"
)

const (
	sessionCookie = "meshrank_session"
	sessionTTL    = 30 * 24 * time.Hour
)

var (
	sessionKey     []byte
	sessionKeyOnce sync.Once
)

func signingKey() []byte {
	sessionKeyOnce.Do(func() {
		if sec := cmn.Rom.SessionSecret(); sec != "" {
			sessionKey = []byte(sec)
			return
		}
		// ephemeral key: sessions require re-login after restart
		sessionKey = make([]byte, 32)
		rand.Read(sessionKey)
		nlog.Warningln("auth: MESHRANK_SESSION_SECRET unset, sessions will not survive restart")
	})
	return sessionKey
}

type sessionClaims struct {
	SID string `json:"sid"`
	jwt.RegisteredClaims
}

//
// password hashing
//

func hashPassword(password, saltHex string) (string, error) {
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", err
	}
	dk, err := scrypt.Key([]byte(password), salt, 1<<15, 8, 1, 32)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(dk), nil
}

func newSalt() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

//
// session plumbing
//

func (s *Server) issueSession(w http.ResponseWriter, user *meshdb.User) error {
	now := time.Now()
	sess := &meshdb.Session{
		Token:     cos.GenUUID() + cos.GenUUID(),
		UserID:    user.ID,
		CreatedAt: cos.FormatTs(now),
		ExpiresAt: cos.FormatTs(now.Add(sessionTTL)),
	}
	if err := s.db.InsertSession(sess); err != nil {
		return err
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, &sessionClaims{
		SID: sess.Token,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(sessionTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	})
	signed, err := tok.SignedString(signingKey())
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    signed,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Expires:  now.Add(sessionTTL),
	})
	return nil
}

// sessionUser resolves the cookie to a live DB session and its user.
func (s *Server) sessionUser(r *http.Request) (*meshdb.User, bool) {
	ck, err := r.Cookie(sessionCookie)
	if err != nil || ck.Value == "" {
		return nil, false
	}
	claims := &sessionClaims{}
	tok, err := jwt.ParseWithClaims(ck.Value, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return signingKey(), nil
	})
	if err != nil || !tok.Valid || claims.SID == "" {
		return nil, false
	}
	sess, ok := s.db.FindSession(claims.SID)
	if !ok {
		return nil, false
	}
	return s.db.FindUserByID(sess.UserID)
}

func (s *Server) clearSession(w http.ResponseWriter, r *http.Request) {
	if ck, err := r.Cookie(sessionCookie); err == nil && ck.Value != "" {
		claims := &sessionClaims{}
		if _, _, err := jwt.NewParser().ParseUnverified(ck.Value, claims); err == nil && claims.SID != "" {
			s.db.DeleteSession(claims.SID)
		}
	}
	http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: "", Path: "/", MaxAge: -1})
}

//
// handlers
//

type credsBody struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

func readBody[T any](r *http.Request, v *T) bool {
	return cos.JSON.NewDecoder(r.Body).Decode(v) == nil
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body credsBody
	if !readBody(r, &body) || body.Email == "" || len(body.Password) < 8 {
		writeErr(w, http.StatusBadRequest, "email and a password of at least 8 characters required")
		return
	}
	if _, exists := s.db.FindUserByEmail(body.Email); exists {
		writeErr(w, http.StatusBadRequest, "email already registered")
		return
	}
	salt := newSalt()
	hash, err := hashPassword(body.Password, salt)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "hashing failed")
		return
	}
	user := &meshdb.User{Email: body.Email, Name: body.Name, PassHash: hash, PassSalt: salt}
	if err := s.db.CreateUser(user); err != nil {
		writeErr(w, http.StatusInternalServerError, "could not create user")
		return
	}
	if err := s.issueSession(w, user); err != nil {
		writeErr(w, http.StatusInternalServerError, "could not create session")
		return
	}
	writeOK(w, map[string]any{"ok": true, "email": user.Email})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body credsBody
	if !readBody(r, &body) || body.Email == "" || body.Password == "" {
		writeErr(w, http.StatusBadRequest, "email and password required")
		return
	}
	user, ok := s.db.FindUserByEmail(body.Email)
	if !ok || user.PassHash == "" {
		writeErr(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	hash, err := hashPassword(body.Password, user.PassSalt)
	if err != nil || subtle.ConstantTimeCompare([]byte(hash), []byte(user.PassHash)) != 1 {
		writeErr(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err := s.issueSession(w, user); err != nil {
		writeErr(w, http.StatusInternalServerError, "could not create session")
		return
	}
	writeOK(w, map[string]any{"ok": true, "email": user.Email, "isAdmin": user.IsAdmin})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.clearSession(w, r)
	writeOK(w, map[string]any{"ok": true})
}

func (s *Server) handleAuthMe(w http.ResponseWriter, r *http.Request) {
	user, ok := s.sessionUser(r)
	if !ok {
		writeOK(w, map[string]any{"ok": true, "user": nil})
		return
	}
	writeOK(w, map[string]any{
		"ok": true,
		"user": map[string]any{
			"email":    user.Email,
			"name":     user.Name,
			"isAdmin":  user.IsAdmin,
			"channels": s.db.UserChannels(user.ID),
		},
	})
}

//
// Google: only the token-verification contract; the provider integration
// itself is external
//

type googleClaims struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	jwt.RegisteredClaims
}

// verifyGoogleIDToken checks audience and expiry of the presented token.
func verifyGoogleIDToken(raw string) (*googleClaims, bool) {
	clientID := cmn.Rom.GoogleClientID()
	if clientID == "" || raw == "" {
		return nil, false
	}
	claims := &googleClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, false
	}
	if !contains(claims.Audience, clientID) {
		return nil, false
	}
	if claims.ExpiresAt == nil || time.Now().After(claims.ExpiresAt.Time) {
		return nil, false
	}
	if claims.Subject == "" {
		return nil, false
	}
	return claims, true
}

func contains(aud jwt.ClaimStrings, v string) bool {
	for _, a := range aud {
		if a == v {
			return true
		}
	}
	return false
}

func (s *Server) handleGoogleIDToken(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IDToken string `json:"idToken"`
	}
	if !readBody(r, &body) {
		writeErr(w, http.StatusBadRequest, "idToken required")
		return
	}
	claims, ok := verifyGoogleIDToken(body.IDToken)
	if !ok {
		writeErr(w, http.StatusUnauthorized, "invalid id token")
		return
	}
	user, ok := s.db.FindUserByGoogleSub(claims.Subject)
	if !ok {
		user = &meshdb.User{Email: claims.Email, Name: claims.Name, GoogleSub: claims.Subject}
		if existing, byEmail := s.db.FindUserByEmail(claims.Email); byEmail {
			user = existing
		} else if err := s.db.CreateUser(user); err != nil {
			writeErr(w, http.StatusInternalServerError, "could not create user")
			return
		}
	}
	if err := s.issueSession(w, user); err != nil {
		writeErr(w, http.StatusInternalServerError, "could not create session")
		return
	}
	writeOK(w, map[string]any{"ok": true, "email": user.Email})
}

func (s *Server) handleGoogleOAuth(w http.ResponseWriter, r *http.Request) {
	clientID := cmn.Rom.GoogleClientID()
	redirect := cmn.Rom.GoogleRedirectURI()
	if clientID == "" || redirect == "" {
		writeErr(w, http.StatusNotFound, "google auth not configured")
		return
	}
	q := url.Values{
		"client_id":     {clientID},
		"redirect_uri":  {redirect},
		"response_type": {"id_token"},
		"scope":         {"openid email profile"},
		"nonce":         {cos.GenUUID()},
	}
	http.Redirect(w, r, "https://accounts.google.com/o/oauth2/v2/auth?"+q.Encode(), http.StatusFound)
}

func (s *Server) handleGoogleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("id_token")
	if raw == "" {
		writeErr(w, http.StatusBadRequest, "id_token missing")
		return
	}
	claims, ok := verifyGoogleIDToken(raw)
	if !ok {
		writeErr(w, http.StatusUnauthorized, "invalid id token")
		return
	}
	user, found := s.db.FindUserByGoogleSub(claims.Subject)
	if !found {
		user = &meshdb.User{Email: claims.Email, Name: claims.Name, GoogleSub: claims.Subject}
		if existing, byEmail := s.db.FindUserByEmail(claims.Email); byEmail {
			user = existing
		} else if err := s.db.CreateUser(user); err != nil {
			writeErr(w, http.StatusInternalServerError, "could not create user")
			return
		}
	}
	if err := s.issueSession(w, user); err != nil {
		writeErr(w, http.StatusInternalServerError, "could not create session")
		return
	}
	http.Redirect(w, r, "/", http.StatusFound)
}
