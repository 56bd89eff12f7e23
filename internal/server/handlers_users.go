package server

import (
	"net/http"
	"strings"

	"madr/internal/app"
	"madr/pkg/domain"
)

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !s.allowRate(w, r, s.signupLimiter, "Too many signup attempts. Please try again later.") {
		s.audit(r, "auth.signup", "rate_limited")
		return
	}
	var in app.NewUser
	if !decodeJSON(w, r, &in) {
		return
	}
	user, err := s.app.SignUp(r.Context(), in)
	if err != nil {
		s.audit(r, "auth.signup", "fail", "email", in.Email)
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "auth.signup", "success", "user_id", user.ID)
	writeJSON(w, http.StatusCreated, user)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, user domain.User) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, user)
	case http.MethodPatch:
		var patch app.UserPatch
		if !decodeJSON(w, r, &patch) {
			return
		}
		updated, err := s.app.UpdateMe(r.Context(), user, patch)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPatch)
	}
}

func (s *Server) handleVerificationStatus(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, messageBody{Message: s.app.VerificationStatus(user)})
}

func (s *Server) handleRequestVerification(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	msg, err := s.app.RequestVerification(r.Context(), user)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageBody{Message: msg})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	token := strings.Trim(strings.TrimPrefix(r.URL.Path, "/users/verify/"), "/")
	if err := s.app.Verify(r.Context(), user, token); err != nil {
		s.audit(r, "user.verify", "fail", "user_id", user.ID)
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "user.verify", "success", "user_id", user.ID)
	writeJSON(w, http.StatusOK, messageBody{Message: "Account verified successfully!"})
}

func (s *Server) handleRecoverAccess(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	msg, err := s.app.RequestRecovery(r.Context(), user)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageBody{Message: msg})
}

type changePasswordRequest struct {
	Password             string `json:"password"`
	PasswordConfirmation string `json:"password_confirmation"`
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	token := strings.Trim(strings.TrimPrefix(r.URL.Path, "/users/change-password/"), "/")
	var req changePasswordRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.app.ChangePassword(r.Context(), user, token, req.Password, req.PasswordConfirmation); err != nil {
		s.audit(r, "user.change_password", "fail", "user_id", user.ID)
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "user.change_password", "success", "user_id", user.ID)
	writeJSON(w, http.StatusOK, messageBody{Message: "Password changed!"})
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request, _ domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	q, ok := listQuery(w, r, "username")
	if !ok {
		return
	}
	page, err := s.app.ListUsers(r.Context(), q)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request, admin domain.User) {
	id, hasID, err := pathID(r.URL.Path, "/users/")
	if err != nil {
		writePathIDError(w, r, "user_id", err)
		return
	}
	if !hasID {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		var in app.AdminNewUser
		if !decodeJSON(w, r, &in) {
			return
		}
		user, err := s.app.AdminCreateUser(r.Context(), in)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		s.audit(r, "admin.user.create", "success", "admin_id", admin.ID, "user_id", user.ID)
		writeJSON(w, http.StatusCreated, user)
		return
	}
	switch r.Method {
	case http.MethodGet:
		user, err := s.app.GetUser(r.Context(), id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, user)
	case http.MethodPatch:
		var patch app.AdminUserPatch
		if !decodeJSON(w, r, &patch) {
			return
		}
		user, err := s.app.AdminUpdateUser(r.Context(), admin, id, patch)
		if err != nil {
			s.audit(r, "admin.user.update", "fail", "admin_id", admin.ID, "user_id", id)
			writeAppError(w, r, err)
			return
		}
		s.audit(r, "admin.user.update", "success", "admin_id", admin.ID, "user_id", id)
		writeJSON(w, http.StatusOK, user)
	case http.MethodDelete:
		if err := s.app.AdminDeleteUser(r.Context(), admin, id); err != nil {
			s.audit(r, "admin.user.delete", "fail", "admin_id", admin.ID, "user_id", id)
			writeAppError(w, r, err)
			return
		}
		s.audit(r, "admin.user.delete", "success", "admin_id", admin.ID, "user_id", id)
		writeJSON(w, http.StatusOK, messageBody{Message: "User deleted."})
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPatch, http.MethodDelete)
	}
}
