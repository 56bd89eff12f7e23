package server

import (
	"fmt"
	"net/http"
	"strconv"

	"madr/internal/app"
	"madr/pkg/domain"
)

type nameRequest struct {
	Name string `json:"name"`
}

type yearRequest struct {
	Year int `json:"year"`
}

// withUser runs next only for an authenticated caller.
func (s *Server) withUser(w http.ResponseWriter, r *http.Request, next func(domain.User)) {
	user, ok := s.authorize(w, r)
	if !ok {
		return
	}
	next(user)
}

func (s *Server) handleAuthors(w http.ResponseWriter, r *http.Request) {
	id, hasID, err := pathID(r.URL.Path, "/author/")
	if err != nil {
		writePathIDError(w, r, "author_id", err)
		return
	}
	if hasID {
		s.handleAuthor(w, r, id)
		return
	}
	switch r.Method {
	case http.MethodGet:
		q, ok := listQuery(w, r, "name")
		if !ok {
			return
		}
		page, err := s.app.ListAuthors(r.Context(), q)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, page)
	case http.MethodPost:
		s.withUser(w, r, func(domain.User) {
			var req nameRequest
			if !decodeJSON(w, r, &req) {
				return
			}
			author, err := s.app.CreateAuthor(r.Context(), req.Name)
			if err != nil {
				writeAppError(w, r, err)
				return
			}
			writeJSON(w, http.StatusCreated, author)
		})
	case http.MethodDelete:
		s.withUser(w, r, func(user domain.User) {
			var req app.BatchDelete
			if !decodeJSON(w, r, &req) {
				return
			}
			n, err := s.app.DeleteAuthors(r.Context(), req.IDs)
			if err != nil {
				writeAppError(w, r, err)
				return
			}
			s.audit(r, "author.batch_delete", "success", "user_id", user.ID, "count", n)
			writeJSON(w, http.StatusOK, messageBody{Message: fmt.Sprintf("%d author(s) deleted from MADR.", n)})
		})
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost, http.MethodDelete)
	}
}

func (s *Server) handleAuthor(w http.ResponseWriter, r *http.Request, id int64) {
	switch r.Method {
	case http.MethodGet:
		author, err := s.app.GetAuthor(r.Context(), id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, author)
	case http.MethodPatch:
		s.withUser(w, r, func(domain.User) {
			var req nameRequest
			if !decodeJSON(w, r, &req) {
				return
			}
			author, err := s.app.RenameAuthor(r.Context(), id, req.Name)
			if err != nil {
				writeAppError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, author)
		})
	case http.MethodDelete:
		s.withUser(w, r, func(domain.User) {
			if err := s.app.DeleteAuthor(r.Context(), id); err != nil {
				writeAppError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, messageBody{Message: "Author deleted from MADR."})
		})
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPatch, http.MethodDelete)
	}
}

func (s *Server) handleBooks(w http.ResponseWriter, r *http.Request) {
	id, hasID, err := pathID(r.URL.Path, "/book/")
	if err != nil {
		writePathIDError(w, r, "book_id", err)
		return
	}
	if hasID {
		s.handleBook(w, r, id)
		return
	}
	switch r.Method {
	case http.MethodGet:
		q, ok := listQuery(w, r, "title")
		if !ok {
			return
		}
		year := 0
		if raw := r.URL.Query().Get("year"); raw != "" {
			year, err = strconv.Atoi(raw)
			if err != nil {
				writeValidation(w, r, []app.FieldError{{Field: "year", Msg: "Input should be a valid integer", Type: "int_parsing"}})
				return
			}
		}
		page, err := s.app.ListBooks(r.Context(), q, year)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, page)
	case http.MethodPost:
		s.withUser(w, r, func(domain.User) {
			var in app.NewBook
			if !decodeJSON(w, r, &in) {
				return
			}
			book, err := s.app.CreateBook(r.Context(), in)
			if err != nil {
				writeAppError(w, r, err)
				return
			}
			writeJSON(w, http.StatusCreated, book)
		})
	case http.MethodDelete:
		s.withUser(w, r, func(user domain.User) {
			var req app.BatchDelete
			if !decodeJSON(w, r, &req) {
				return
			}
			n, err := s.app.DeleteBooks(r.Context(), req.IDs)
			if err != nil {
				writeAppError(w, r, err)
				return
			}
			s.audit(r, "book.batch_delete", "success", "user_id", user.ID, "count", n)
			writeJSON(w, http.StatusOK, messageBody{Message: fmt.Sprintf("%d book(s) deleted from MADR.", n)})
		})
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost, http.MethodDelete)
	}
}

func (s *Server) handleBook(w http.ResponseWriter, r *http.Request, id int64) {
	switch r.Method {
	case http.MethodGet:
		book, err := s.app.GetBook(r.Context(), id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, book)
	case http.MethodPatch:
		s.withUser(w, r, func(domain.User) {
			var req yearRequest
			if !decodeJSON(w, r, &req) {
				return
			}
			book, err := s.app.UpdateBookYear(r.Context(), id, req.Year)
			if err != nil {
				writeAppError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, book)
		})
	case http.MethodDelete:
		s.withUser(w, r, func(domain.User) {
			if err := s.app.DeleteBook(r.Context(), id); err != nil {
				writeAppError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, messageBody{Message: "Book deleted from MADR."})
		})
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPatch, http.MethodDelete)
	}
}
