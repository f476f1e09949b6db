// Package migration applies versioned schema migrations with
// golang-migrate. SQL files are embedded per dialect under migrations/;
// the same version history exists for postgres, mysql, and sqlite.
//
// AutoMigrate at startup keeps development schemas current; deployed
// environments run `crewflow migrate up` explicitly.
package migration
