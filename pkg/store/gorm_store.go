package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"madr/pkg/domain"
)

const migrateLockID int64 = 51071207

// GormStore implements Store using GORM on Postgres or SQLite.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the database named by dsn and runs auto-migrations.
// postgres:// and host=... DSNs use Postgres; sqlite://, file: and *.db use SQLite.
func NewGormStore(dsn string) (*GormStore, error) {
	dialector, err := dialectorFor(dsn)
	if err != nil {
		return nil, err
	}
	return NewGormStoreWithDialector(dialector)
}

// NewGormStoreWithDialector is NewGormStore for an already built dialector.
func NewGormStoreWithDialector(dialector gorm.Dialector) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLog, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	migrate := func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&UserModel{}, &AuthorModel{}, &BookModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}
	if db.Dialector.Name() == "postgres" {
		err = withMigrationLock(db, migrate)
	} else {
		err = migrate(db)
	}
	if err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func dialectorFor(dsn string) (gorm.Dialector, error) {
	dsn = strings.TrimSpace(dsn)
	switch {
	case dsn == "":
		return nil, errors.New("database URL required")
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"), strings.Contains(dsn, "host="):
		return postgres.Open(dsn), nil
	case strings.HasPrefix(dsn, "sqlite://"):
		return sqlite.Open(strings.TrimPrefix(dsn, "sqlite://")), nil
	case strings.HasPrefix(dsn, "file:"), strings.HasSuffix(dsn, ".db"), dsn == ":memory:":
		return sqlite.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported database URL %q", dsn)
	}
}

// withMigrationLock serialises migrations across API replicas on Postgres.
func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks database connectivity.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrDuplicate
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	default:
		return err
	}
}

// CreateUser inserts u and returns it with ID and timestamps set.
func (s *GormStore) CreateUser(ctx context.Context, u domain.User) (domain.User, error) {
	now := time.Now().UTC()
	model := userToModel(u)
	model.ID = 0
	model.CreatedAt = now
	model.UpdatedAt = now
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.User{}, translate(err)
	}
	return userFromModel(model), nil
}

// UpdateUser overwrites every mutable column of u, including zero values.
func (s *GormStore) UpdateUser(ctx context.Context, u domain.User) (domain.User, error) {
	model := userToModel(u)
	model.UpdatedAt = time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&UserModel{ID: u.ID}).
		Select("username", "email", "password_hash", "first_name", "last_name",
			"is_superuser", "is_active", "is_verified", "updated_at").
		Updates(&model)
	if res.Error != nil {
		return domain.User{}, translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.User{}, ErrNotFound
	}
	updated, _, err := s.GetUserByID(ctx, u.ID)
	return updated, err
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(ctx context.Context, id int64) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// GetUserByEmail looks up a user by email.
func (s *GormStore) GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).Where("email = ?", email).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// FindUserConflict returns a user other than excludeID holding username or email.
func (s *GormStore) FindUserConflict(ctx context.Context, username, email string, excludeID int64) (domain.User, bool, error) {
	if username == "" && email == "" {
		return domain.User{}, false, nil
	}
	tx := s.db.WithContext(ctx).Model(&UserModel{})
	switch {
	case username != "" && email != "":
		tx = tx.Where("username = ? OR email = ?", username, email)
	case username != "":
		tx = tx.Where("username = ?", username)
	default:
		tx = tx.Where("email = ?", email)
	}
	if excludeID > 0 {
		tx = tx.Where("id <> ?", excludeID)
	}
	var model UserModel
	if err := tx.Order("id ASC").First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// ListUsers returns one page of users ordered by id.
func (s *GormStore) ListUsers(ctx context.Context, q domain.ListQuery) (domain.Page[domain.User], error) {
	q = q.Normalize()
	base := func() *gorm.DB {
		tx := s.db.WithContext(ctx).Model(&UserModel{})
		if q.Search != "" {
			like := containsPattern(q.Search)
			tx = tx.Where(`LOWER(username) LIKE ? ESCAPE '\' OR LOWER(email) LIKE ? ESCAPE '\'`, like, like)
		}
		return tx
	}
	var total int64
	if err := base().Count(&total).Error; err != nil {
		return domain.Page[domain.User]{}, err
	}
	var models []UserModel
	if err := base().Order("id ASC").Limit(q.Limit).Offset(q.Offset).Find(&models).Error; err != nil {
		return domain.Page[domain.User]{}, err
	}
	items := make([]domain.User, 0, len(models))
	for _, m := range models {
		items = append(items, userFromModel(m))
	}
	return domain.Page[domain.User]{Items: items, TotalResults: int(total)}, nil
}

// DeleteUser removes a user.
func (s *GormStore) DeleteUser(ctx context.Context, id int64) error {
	res := s.db.WithContext(ctx).Delete(&UserModel{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateAuthor inserts an author. name must already be normalised.
func (s *GormStore) CreateAuthor(ctx context.Context, name string) (domain.Author, error) {
	model := AuthorModel{Name: name}
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.Author{}, translate(err)
	}
	return authorFromModel(model), nil
}

// GetAuthor returns an author by ID.
func (s *GormStore) GetAuthor(ctx context.Context, id int64) (domain.Author, bool, error) {
	var model AuthorModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Author{}, false, nil
		}
		return domain.Author{}, false, err
	}
	return authorFromModel(model), true, nil
}

// GetAuthorByName returns an author by exact normalised name.
func (s *GormStore) GetAuthorByName(ctx context.Context, name string) (domain.Author, bool, error) {
	var model AuthorModel
	if err := s.db.WithContext(ctx).Where("name = ?", name).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Author{}, false, nil
		}
		return domain.Author{}, false, err
	}
	return authorFromModel(model), true, nil
}

// RenameAuthor updates an author's name.
func (s *GormStore) RenameAuthor(ctx context.Context, id int64, name string) (domain.Author, error) {
	res := s.db.WithContext(ctx).Model(&AuthorModel{}).Where("id = ?", id).Update("name", name)
	if res.Error != nil {
		return domain.Author{}, translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.Author{}, ErrNotFound
	}
	return domain.Author{ID: id, Name: name}, nil
}

// ListAuthors returns one page of authors whose name contains q.Search.
func (s *GormStore) ListAuthors(ctx context.Context, q domain.ListQuery) (domain.Page[domain.Author], error) {
	q = q.Normalize()
	base := func() *gorm.DB {
		tx := s.db.WithContext(ctx).Model(&AuthorModel{})
		if q.Search != "" {
			tx = tx.Where(`name LIKE ? ESCAPE '\'`, containsPattern(q.Search))
		}
		return tx
	}
	var total int64
	if err := base().Count(&total).Error; err != nil {
		return domain.Page[domain.Author]{}, err
	}
	var models []AuthorModel
	if err := base().Order("id ASC").Limit(q.Limit).Offset(q.Offset).Find(&models).Error; err != nil {
		return domain.Page[domain.Author]{}, err
	}
	items := make([]domain.Author, 0, len(models))
	for _, m := range models {
		items = append(items, authorFromModel(m))
	}
	return domain.Page[domain.Author]{Items: items, TotalResults: int(total)}, nil
}

// DeleteAuthors removes authors and their books in one transaction.
func (s *GormStore) DeleteAuthors(ctx context.Context, ids []int64) ([]int64, error) {
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return nil, nil
	}
	var missing []int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var found []int64
		if err := tx.Model(&AuthorModel{}).Where("id IN ?", ids).Pluck("id", &found).Error; err != nil {
			return err
		}
		missing = diffIDs(ids, found)
		if len(missing) > 0 {
			return ErrNotFound
		}
		if err := tx.Where("author_id IN ?", ids).Delete(&BookModel{}).Error; err != nil {
			return err
		}
		return tx.Where("id IN ?", ids).Delete(&AuthorModel{}).Error
	})
	if errors.Is(err, ErrNotFound) {
		return missing, nil
	}
	return nil, err
}

// CreateBook inserts a book. The title must already be normalised.
func (s *GormStore) CreateBook(ctx context.Context, b domain.Book) (domain.Book, error) {
	model := BookModel{Title: b.Title, Year: b.Year, AuthorID: b.AuthorID}
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.Book{}, translate(err)
	}
	created, _, err := s.GetBook(ctx, model.ID)
	return created, err
}

func (s *GormStore) booksQuery(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).
		Table("book_models").
		Select("book_models.id, book_models.title, book_models.year, book_models.author_id, author_models.name AS author").
		Joins("JOIN author_models ON author_models.id = book_models.author_id")
}

// GetBook returns a book with its author's name.
func (s *GormStore) GetBook(ctx context.Context, id int64) (domain.Book, bool, error) {
	var rows []bookRow
	if err := s.booksQuery(ctx).Where("book_models.id = ?", id).Limit(1).Scan(&rows).Error; err != nil {
		return domain.Book{}, false, err
	}
	if len(rows) == 0 {
		return domain.Book{}, false, nil
	}
	return bookFromRow(rows[0]), true, nil
}

// GetBookByTitle returns a book by exact normalised title.
func (s *GormStore) GetBookByTitle(ctx context.Context, title string) (domain.Book, bool, error) {
	var rows []bookRow
	if err := s.booksQuery(ctx).Where("book_models.title = ?", title).Limit(1).Scan(&rows).Error; err != nil {
		return domain.Book{}, false, err
	}
	if len(rows) == 0 {
		return domain.Book{}, false, nil
	}
	return bookFromRow(rows[0]), true, nil
}

// SetBookYear updates a book's publication year.
func (s *GormStore) SetBookYear(ctx context.Context, id int64, year int) (domain.Book, error) {
	res := s.db.WithContext(ctx).Model(&BookModel{}).Where("id = ?", id).Update("year", year)
	if res.Error != nil {
		return domain.Book{}, res.Error
	}
	if res.RowsAffected == 0 {
		return domain.Book{}, ErrNotFound
	}
	book, _, err := s.GetBook(ctx, id)
	return book, err
}

// ListBooks returns one page of books matching f.
func (s *GormStore) ListBooks(ctx context.Context, f BookFilter) (domain.Page[domain.Book], error) {
	q := f.ListQuery.Normalize()
	filter := func(tx *gorm.DB) *gorm.DB {
		if q.Search != "" {
			tx = tx.Where(`book_models.title LIKE ? ESCAPE '\'`, containsPattern(q.Search))
		}
		if f.Year > 0 {
			tx = tx.Where("book_models.year = ?", f.Year)
		}
		return tx
	}
	var total int64
	if err := filter(s.db.WithContext(ctx).Model(&BookModel{})).Count(&total).Error; err != nil {
		return domain.Page[domain.Book]{}, err
	}
	var rows []bookRow
	if err := filter(s.booksQuery(ctx)).Order("book_models.id ASC").Limit(q.Limit).Offset(q.Offset).Scan(&rows).Error; err != nil {
		return domain.Page[domain.Book]{}, err
	}
	items := make([]domain.Book, 0, len(rows))
	for _, r := range rows {
		items = append(items, bookFromRow(r))
	}
	return domain.Page[domain.Book]{Items: items, TotalResults: int(total)}, nil
}

// DeleteBooks removes all ids, or nothing when any id is unknown.
func (s *GormStore) DeleteBooks(ctx context.Context, ids []int64) ([]int64, error) {
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return nil, nil
	}
	var missing []int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var found []int64
		if err := tx.Model(&BookModel{}).Where("id IN ?", ids).Pluck("id", &found).Error; err != nil {
			return err
		}
		missing = diffIDs(ids, found)
		if len(missing) > 0 {
			return ErrNotFound
		}
		return tx.Where("id IN ?", ids).Delete(&BookModel{}).Error
	})
	if errors.Is(err, ErrNotFound) {
		return missing, nil
	}
	return nil, err
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func diffIDs(want, found []int64) []int64 {
	have := make(map[int64]struct{}, len(found))
	for _, id := range found {
		have[id] = struct{}{}
	}
	var missing []int64
	for _, id := range want {
		if _, ok := have[id]; !ok {
			missing = append(missing, id)
		}
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })
	return missing
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:           u.ID,
		Username:     u.Username,
		Email:        u.Email,
		PasswordHash: u.PasswordHash,
		FirstName:    u.FirstName,
		LastName:     u.LastName,
		IsSuperuser:  u.IsSuperuser,
		IsActive:     u.IsActive,
		IsVerified:   u.IsVerified,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:           m.ID,
		Username:     m.Username,
		Email:        m.Email,
		PasswordHash: m.PasswordHash,
		FirstName:    m.FirstName,
		LastName:     m.LastName,
		IsSuperuser:  m.IsSuperuser,
		IsActive:     m.IsActive,
		IsVerified:   m.IsVerified,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func authorFromModel(m AuthorModel) domain.Author {
	return domain.Author{ID: m.ID, Name: m.Name}
}

func bookFromRow(r bookRow) domain.Book {
	return domain.Book{
		ID:       r.ID,
		Title:    r.Title,
		Year:     r.Year,
		AuthorID: r.AuthorID,
		Author:   r.Author,
	}
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)

// containsPattern matches s literally anywhere in a column. s is expected
// lower-cased, like the stored names and titles.
func containsPattern(s string) string {
	return "%" + likeEscaper.Replace(s) + "%"
}
