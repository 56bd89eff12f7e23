package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"madr/pkg/apiclient"
	"madr/pkg/domain"
	"madr/pkg/forms"
	"madr/pkg/guard"
	"madr/pkg/liststate"
)

// Route names checked by the guard.
const (
	routeSignup  = "/signup"
	routeAuthors = "/dashboard/authors"
	routeBooks   = "/dashboard/books"
	routeProfile = "/profile"
)

var commandNames = []string{
	"help", "login", "logout", "signup", "whoami", "stats",
	"authors", "books", "next", "prev", "page", "search", "year",
	"select", "delete", "add-author", "add-book", "quit", "exit",
}

// prompter reads secrets without echo.
type prompter interface {
	PasswordPrompt(prompt string) (string, error)
}

type view int

const (
	viewNone view = iota
	viewAuthors
	viewBooks
)

type shell struct {
	out     io.Writer
	in      prompter
	now     func() time.Time
	session *apiclient.Session
	guard   *guard.Guard
	auth    *apiclient.AuthService
	users   *apiclient.UsersService
	authors *apiclient.AuthorsService
	books   *apiclient.BooksService

	authorsTable *liststate.Controller[domain.Author]
	booksTable   *liststate.Controller[domain.Book]
	bookYear     int
	view         view
}

func newShell(client *apiclient.Client, out io.Writer, in prompter, pageSize int) (*shell, error) {
	sh := &shell{
		out:     out,
		in:      in,
		now:     time.Now,
		session: client.Session(),
		auth:    apiclient.NewAuthService(client),
		users:   apiclient.NewUsersService(client),
		authors: apiclient.NewAuthorsService(client),
		books:   apiclient.NewBooksService(client),
	}
	sh.guard = guard.New(sh.session, func() time.Time { return sh.now() }, routeSignup)

	var err error
	sh.authorsTable, err = liststate.NewController(liststate.ControllerConfig[domain.Author]{
		PageSize: pageSize,
		Fetch:    sh.authors.List,
		Delete:   sh.authors.BatchDelete,
		ID:       func(a domain.Author) int64 { return a.ID },
		Notify:   sh.notify,
	})
	if err != nil {
		return nil, err
	}
	sh.booksTable, err = liststate.NewController(liststate.ControllerConfig[domain.Book]{
		PageSize: pageSize,
		Fetch: func(ctx context.Context, q domain.ListQuery) apiclient.Envelope[domain.Page[domain.Book]] {
			return sh.books.List(ctx, q, sh.bookYear)
		},
		Delete: sh.books.BatchDelete,
		ID:     func(b domain.Book) int64 { return b.ID },
		Notify: sh.notify,
	})
	if err != nil {
		return nil, err
	}
	return sh, nil
}

func (sh *shell) prompt() string {
	switch sh.view {
	case viewAuthors:
		return "madr:authors> "
	case viewBooks:
		return "madr:books> "
	default:
		return "madr> "
	}
}

func (sh *shell) printf(format string, args ...any) {
	fmt.Fprintf(sh.out, format, args...)
}

func (sh *shell) notify(n liststate.Notification) {
	prefix := "ok"
	if n.Kind == liststate.NotifyError {
		prefix = "error"
	}
	for _, m := range n.Messages {
		sh.printf("%s: %s\n", prefix, m)
	}
}

func (sh *shell) fail(err *apiclient.Error) {
	sh.notify(liststate.Notification{Kind: liststate.NotifyError, Messages: err.Messages()})
}

func (sh *shell) formErrors(errs forms.Errors) {
	for _, fe := range errs {
		sh.printf("error: %s: %s\n", fe.Field, fe.Message)
	}
}

// allow runs the guard for route and prints the redirect notice.
func (sh *shell) allow(route string) bool {
	d := sh.guard.Check(route)
	if d.Allowed() {
		return true
	}
	sh.view = viewNone
	sh.printf("%s Use \"login EMAIL\".\n", d.Redirect.Notice.Message())
	return false
}

// exec runs one command line and reports whether the shell should exit.
func (sh *shell) exec(ctx context.Context, input string) bool {
	cmd, rest, _ := strings.Cut(strings.TrimSpace(input), " ")
	rest = strings.TrimSpace(rest)
	switch strings.ToLower(cmd) {
	case "quit", "exit":
		return true
	case "help":
		sh.help()
	case "login":
		sh.login(ctx, rest)
	case "logout":
		sh.logout(ctx)
	case "signup":
		sh.signup(ctx, rest)
	case "whoami":
		sh.whoami(ctx)
	case "stats":
		sh.stats(ctx)
	case "authors":
		if sh.allow(routeAuthors) {
			sh.view = viewAuthors
			sh.authorsTable.Mount(ctx)
			sh.render()
		}
	case "books":
		if sh.allow(routeBooks) {
			sh.view = viewBooks
			sh.booksTable.Mount(ctx)
			sh.render()
		}
	case "next", "prev", "page", "search", "year", "select", "delete":
		sh.tableCommand(ctx, strings.ToLower(cmd), rest)
	case "add-author":
		sh.addAuthor(ctx, rest)
	case "add-book":
		sh.addBook(ctx, rest)
	default:
		sh.printf("unknown command %q; type \"help\"\n", cmd)
	}
	return false
}

func (sh *shell) help() {
	sh.printf(`commands:
  login EMAIL             sign in (password is prompted)
  logout                  sign out
  signup USERNAME EMAIL   create an account
  whoami                  show the signed-in user
  stats                   count authors and books
  authors | books         open a list view
  next | prev | page N    move between pages
  search TEXT             filter the list (empty clears)
  year N                  filter books by year (0 clears)
  select N|all|none       toggle row N or the whole page
  delete                  delete the selected rows
  add-author NAME
  add-book YEAR AUTHOR_ID TITLE
  quit
`)
}

func (sh *shell) login(ctx context.Context, email string) {
	password, err := sh.in.PasswordPrompt("password: ")
	if err != nil {
		return
	}
	form := forms.SignInForm{Email: email, Password: password}
	if errs := form.Validate(); len(errs) > 0 {
		sh.formErrors(errs)
		return
	}
	env := sh.auth.SignIn(ctx, form)
	if !env.Success {
		sh.fail(env.Err)
		return
	}
	sh.printf("ok: signed in as %s\n", email)
}

func (sh *shell) logout(ctx context.Context) {
	sh.auth.SignOut(ctx)
	sh.view = viewNone
	sh.printf("ok: signed out\n")
}

func (sh *shell) signup(ctx context.Context, args string) {
	fields := strings.Fields(args)
	form := forms.SignUpForm{}
	if len(fields) > 0 {
		form.Username = fields[0]
	}
	if len(fields) > 1 {
		form.Email = fields[1]
	}
	password, err := sh.in.PasswordPrompt("password: ")
	if err != nil {
		return
	}
	form.Password = password
	if errs := form.Validate(); len(errs) > 0 {
		sh.formErrors(errs)
		return
	}
	env := sh.users.SignUp(ctx, form)
	if !env.Success {
		sh.fail(env.Err)
		return
	}
	sh.printf("ok: account %s created; sign in with \"login %s\"\n", env.Data.Username, env.Data.Email)
}

func (sh *shell) whoami(ctx context.Context) {
	if !sh.allow(routeProfile) {
		return
	}
	env := sh.users.Me(ctx)
	if !env.Success {
		sh.fail(env.Err)
		return
	}
	u := env.Data
	sh.printf("%s <%s> verified=%t superuser=%t\n", u.Username, u.Email, u.IsVerified, u.IsSuperuser)
}

// stats fetches both totals concurrently.
func (sh *shell) stats(ctx context.Context) {
	var authors, books int
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		env := sh.authors.List(gctx, domain.ListQuery{Limit: 1})
		if !env.Success {
			return env.Err
		}
		authors = env.Data.TotalResults
		return nil
	})
	g.Go(func() error {
		env := sh.books.List(gctx, domain.ListQuery{Limit: 1}, 0)
		if !env.Success {
			return env.Err
		}
		books = env.Data.TotalResults
		return nil
	})
	if err := g.Wait(); err != nil {
		sh.fail(err.(*apiclient.Error))
		return
	}
	sh.printf("authors: %d\nbooks: %d\n", authors, books)
}

func (sh *shell) tableCommand(ctx context.Context, cmd, arg string) {
	if sh.view == viewNone {
		sh.printf("open a list first with \"authors\" or \"books\"\n")
		return
	}
	route := routeAuthors
	if sh.view == viewBooks {
		route = routeBooks
	}
	if !sh.allow(route) {
		return
	}
	t := sh.table()
	switch cmd {
	case "next":
		t.next(ctx)
	case "prev":
		t.prev(ctx)
	case "page":
		n, err := strconv.Atoi(arg)
		if err != nil {
			sh.printf("usage: page N\n")
			return
		}
		t.goTo(ctx, n)
	case "search":
		t.search(ctx, arg)
	case "year":
		if sh.view != viewBooks {
			sh.printf("year filters books only\n")
			return
		}
		n, err := strconv.Atoi(arg)
		if err != nil {
			sh.printf("usage: year N\n")
			return
		}
		sh.bookYear = n
		sh.booksTable.GoTo(ctx, 1)
	case "select":
		switch arg {
		case "all":
			t.selectAll(true)
		case "none":
			t.selectAll(false)
		default:
			n, err := strconv.Atoi(arg)
			if err != nil {
				sh.printf("usage: select N|all|none\n")
				return
			}
			if !t.toggleRow(n) {
				sh.printf("no row %d on this page\n", n)
				return
			}
		}
	case "delete":
		if !t.deleteSelected(ctx) {
			return
		}
	}
	sh.render()
}

func (sh *shell) addAuthor(ctx context.Context, name string) {
	if !sh.allow(routeAuthors) {
		return
	}
	form := forms.AuthorForm{Name: name}
	if errs := form.Validate(); len(errs) > 0 {
		sh.formErrors(errs)
		return
	}
	env := sh.authors.Create(ctx, form)
	if !env.Success {
		sh.fail(env.Err)
		return
	}
	sh.printf("ok: author %q added with id %d\n", env.Data.Name, env.Data.ID)
	if sh.view == viewAuthors {
		sh.authorsTable.Refresh(ctx)
		sh.render()
	}
}

func (sh *shell) addBook(ctx context.Context, args string) {
	if !sh.allow(routeBooks) {
		return
	}
	parts := strings.SplitN(args, " ", 3)
	if len(parts) < 3 {
		sh.printf("usage: add-book YEAR AUTHOR_ID TITLE\n")
		return
	}
	year, err := strconv.Atoi(parts[0])
	if err != nil {
		sh.printf("usage: add-book YEAR AUTHOR_ID TITLE\n")
		return
	}
	var authorIDs []int64
	for _, raw := range strings.Split(parts[1], ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			sh.printf("invalid author id %q\n", raw)
			return
		}
		authorIDs = append(authorIDs, id)
	}
	form := forms.BookForm{Title: strings.TrimSpace(parts[2]), Year: year, AuthorIDs: authorIDs}
	if errs := form.Validate(sh.now()); len(errs) > 0 {
		sh.formErrors(errs)
		return
	}
	env := sh.books.Create(ctx, form)
	if !env.Success {
		sh.fail(env.Err)
		return
	}
	sh.printf("ok: book %q added with id %d\n", env.Data.Title, env.Data.ID)
	if sh.view == viewBooks {
		sh.booksTable.Refresh(ctx)
		sh.render()
	}
}
