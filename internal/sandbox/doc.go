// Package sandbox implements the pre-launch checks applied to stdio and
// container transports: executable allow-list resolution, command-line
// validation, container volume allow-listing, and trust-tier rewriting of
// untrusted stdio templates to the container transport.
package sandbox
