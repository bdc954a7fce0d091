// Package template implements the ServiceTemplate data model and the
// in-process Template Registry that owns it: validation, env-reference
// secret checks, and an optional mirror to persisted JSON via gwconfig.
package template
