package apiclient

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"madr/pkg/domain"
	"madr/pkg/forms"
)

// Token is the sign-in response.
type Token struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// Message is the body of delete and e-mail endpoints.
type Message struct {
	Message string `json:"message"`
}

type idsBody struct {
	IDs []int64 `json:"ids"`
}

func listParams(q domain.ListQuery, searchParam string) url.Values {
	params := url.Values{}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		params.Set("offset", strconv.Itoa(q.Offset))
	}
	if q.Search != "" {
		params.Set(searchParam, q.Search)
	}
	return params
}

// AuthService signs the session in and out.
type AuthService struct {
	c *Client
}

func NewAuthService(c *Client) *AuthService { return &AuthService{c: c} }

// SignIn posts the credentials as a form through the sign-in client and
// stores the token on success.
func (s *AuthService) SignIn(ctx context.Context, form forms.SignInForm) Envelope[Token] {
	body := url.Values{"username": {form.Email}, "password": {form.Password}}
	env := Post[Token](ctx, s.c.SignInClient(), "/auth/token", body)
	if env.Success {
		s.storeToken(&env)
	}
	return env
}

// Refresh swaps the current token for a fresh one.
func (s *AuthService) Refresh(ctx context.Context) Envelope[Token] {
	env := Post[Token](ctx, s.c, "/auth/refresh_token", nil)
	if env.Success {
		s.storeToken(&env)
	}
	return env
}

// SignOut revokes the token server side and forgets it locally either way.
func (s *AuthService) SignOut(ctx context.Context) Envelope[struct{}] {
	env := Post[struct{}](ctx, s.c, "/auth/logout", nil)
	if sess := s.c.Session(); sess != nil {
		_ = sess.Clear()
	}
	return env
}

func (s *AuthService) storeToken(env *Envelope[Token]) {
	sess := s.c.Session()
	if sess == nil {
		return
	}
	if err := sess.SetToken(env.Data.AccessToken); err != nil {
		env.Success = false
		env.Err = &Error{Kind: KindUnknown, Detail: msgUnexpected}
	}
}

// SignUpRequest is the account registration body.
type SignUpRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// UserCreate is the superuser account creation body.
type UserCreate struct {
	SignUpRequest
	FirstName   string `json:"first_name,omitempty"`
	LastName    string `json:"last_name,omitempty"`
	IsActive    *bool  `json:"is_active,omitempty"`
	IsVerified  *bool  `json:"is_verified,omitempty"`
	IsSuperuser bool   `json:"is_superuser"`
}

// UserUpdate patches an account. Nil fields are left unchanged.
type UserUpdate struct {
	Username   *string `json:"username,omitempty"`
	Email      *string `json:"email,omitempty"`
	FirstName  *string `json:"first_name,omitempty"`
	LastName   *string `json:"last_name,omitempty"`
	IsActive   *bool   `json:"is_active,omitempty"`
	IsVerified *bool   `json:"is_verified,omitempty"`
}

type UsersService struct {
	c *Client
}

func NewUsersService(c *Client) *UsersService { return &UsersService{c: c} }

// SignUp registers an account without sending any stored token.
func (s *UsersService) SignUp(ctx context.Context, form forms.SignUpForm) Envelope[domain.User] {
	body := SignUpRequest{Username: form.Username, Email: form.Email, Password: form.Password}
	return Post[domain.User](ctx, s.c.anonymous(), "/users/signup", body)
}

func (s *UsersService) Me(ctx context.Context) Envelope[domain.User] {
	return Get[domain.User](ctx, s.c, "/users/me", nil)
}

func (s *UsersService) UpdateMe(ctx context.Context, patch UserUpdate) Envelope[domain.User] {
	return Patch[domain.User](ctx, s.c, "/users/me", patch)
}

func (s *UsersService) List(ctx context.Context, q domain.ListQuery) Envelope[domain.Page[domain.User]] {
	return Get[domain.Page[domain.User]](ctx, s.c, "/users/all", listParams(q, "username"))
}

func (s *UsersService) Create(ctx context.Context, in UserCreate) Envelope[domain.User] {
	return Post[domain.User](ctx, s.c, "/users/", in)
}

func (s *UsersService) Update(ctx context.Context, id int64, patch UserUpdate) Envelope[domain.User] {
	return Patch[domain.User](ctx, s.c, fmt.Sprintf("/users/%d", id), patch)
}

func (s *UsersService) Delete(ctx context.Context, id int64) Envelope[Message] {
	return Delete[Message](ctx, s.c, fmt.Sprintf("/users/%d", id), nil)
}

type AuthorsService struct {
	c *Client
}

func NewAuthorsService(c *Client) *AuthorsService { return &AuthorsService{c: c} }

// List fetches one page; q.Search filters by name.
func (s *AuthorsService) List(ctx context.Context, q domain.ListQuery) Envelope[domain.Page[domain.Author]] {
	return Get[domain.Page[domain.Author]](ctx, s.c, "/author/", listParams(q, "name"))
}

func (s *AuthorsService) Create(ctx context.Context, form forms.AuthorForm) Envelope[domain.Author] {
	return Post[domain.Author](ctx, s.c, "/author/", map[string]string{"name": form.Name})
}

func (s *AuthorsService) Get(ctx context.Context, id int64) Envelope[domain.Author] {
	return Get[domain.Author](ctx, s.c, fmt.Sprintf("/author/%d", id), nil)
}

func (s *AuthorsService) Update(ctx context.Context, id int64, name string) Envelope[domain.Author] {
	return Patch[domain.Author](ctx, s.c, fmt.Sprintf("/author/%d", id), map[string]string{"name": name})
}

func (s *AuthorsService) Delete(ctx context.Context, id int64) Envelope[Message] {
	return Delete[Message](ctx, s.c, fmt.Sprintf("/author/%d", id), nil)
}

func (s *AuthorsService) BatchDelete(ctx context.Context, ids []int64) Envelope[Message] {
	return Delete[Message](ctx, s.c, "/author/", idsBody{IDs: ids})
}

type BooksService struct {
	c *Client
}

func NewBooksService(c *Client) *BooksService { return &BooksService{c: c} }

// List fetches one page; q.Search filters by title and a year of 0 means any.
func (s *BooksService) List(ctx context.Context, q domain.ListQuery, year int) Envelope[domain.Page[domain.Book]] {
	params := listParams(q, "title")
	if year != 0 {
		params.Set("year", strconv.Itoa(year))
	}
	return Get[domain.Page[domain.Book]](ctx, s.c, "/book/", params)
}

// Create sends the form's single selected author as author_id.
func (s *BooksService) Create(ctx context.Context, form forms.BookForm) Envelope[domain.Book] {
	body := struct {
		Title    string `json:"title"`
		Year     int    `json:"year"`
		AuthorID int64  `json:"author_id"`
	}{form.Title, form.Year, form.AuthorID()}
	return Post[domain.Book](ctx, s.c, "/book/", body)
}

func (s *BooksService) Get(ctx context.Context, id int64) Envelope[domain.Book] {
	return Get[domain.Book](ctx, s.c, fmt.Sprintf("/book/%d", id), nil)
}

func (s *BooksService) UpdateYear(ctx context.Context, id int64, year int) Envelope[domain.Book] {
	return Patch[domain.Book](ctx, s.c, fmt.Sprintf("/book/%d", id), map[string]int{"year": year})
}

func (s *BooksService) Delete(ctx context.Context, id int64) Envelope[Message] {
	return Delete[Message](ctx, s.c, fmt.Sprintf("/book/%d", id), nil)
}

func (s *BooksService) BatchDelete(ctx context.Context, ids []int64) Envelope[Message] {
	return Delete[Message](ctx, s.c, "/book/", idsBody{IDs: ids})
}
