package store

import "time"

// GORM models used for persistence.
type UserModel struct {
	ID           int64  `gorm:"primaryKey;autoIncrement"`
	Username     string `gorm:"uniqueIndex;not null"`
	Email        string `gorm:"uniqueIndex;not null"`
	PasswordHash string `gorm:"not null"`
	FirstName    string
	LastName     string
	IsSuperuser  bool      `gorm:"not null"`
	IsActive     bool      `gorm:"not null"`
	IsVerified   bool      `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

type AuthorModel struct {
	ID    int64       `gorm:"primaryKey;autoIncrement"`
	Name  string      `gorm:"uniqueIndex;not null"`
	Books []BookModel `gorm:"foreignKey:AuthorID;constraint:OnDelete:CASCADE"`
}

type BookModel struct {
	ID       int64  `gorm:"primaryKey;autoIncrement"`
	Title    string `gorm:"uniqueIndex;not null"`
	Year     int    `gorm:"not null;index"`
	AuthorID int64  `gorm:"not null;index"`
}

// bookRow is a book joined with its author's name.
type bookRow struct {
	ID       int64
	Title    string
	Year     int
	AuthorID int64
	Author   string
}
