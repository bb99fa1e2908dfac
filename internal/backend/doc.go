// Package backend defines the status collaborator interface that every
// external engine adapter (Kubernetes Jobs, Kubernetes Deployments, Nuclio)
// implements, the errors they report and a registry that resolves the
// adapter for a kind.
package backend
