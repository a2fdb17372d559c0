// Package cli implements circlesctl, the operator tool that talks to the database
// directly. It is the only way to create the first platform admin.
//
//	circlesctl migrate
//	circlesctl create-actor -id alice -name "Alice"
//	circlesctl grant-admin -id alice -reason "bootstrap"
//	circlesctl revoke-admin -id alice -reason "left the team"
//	circlesctl sweep-invites
//
// Admin changes are audited with the "system" actor and user agent "circlesctl".
// Connection settings come from the same CIRCLES_* variables as the server.
package cli
