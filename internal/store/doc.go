// Package store abstracts where annotations live. The backend is chosen
// at startup from the settings payload ("catch" or "app").
//
// The catch backend proxies to a separate CATCH-style annotation
// database with its own REST API, reached over HTTP with per-user auth
// tokens. The app backend keeps annotations in this service's own
// database.
//
// The Store wrapper runs the steps common to both backends: verifying
// that the request matches the launch session's course and user,
// rewriting permissions for the course-admin group, grade passback for
// graded launches, and optional per-user statistics.
package store
