// Package crawler defines the domain types, collaborator interfaces and the
// error taxonomy shared by the scheduler, the broker and the workers.
package crawler
