// Package commands implements the librarian CLI: staff sign-in, the catalog, book
// inventory, loans, members and schema migrations.
package commands
