package postgres

import "tagsync/internal/storage"

func init() {
	// registers the backend factory and its SQLSTATE classifier
	storage.Register("postgres", Open)
	storage.RegisterClassifier(classify)
}
