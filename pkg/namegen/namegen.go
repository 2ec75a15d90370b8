// Package namegen assigns a short, human-friendly display name to a
// client, deterministically seeded from its client_id (§3: "server-assigned
// from a deterministic dictionary seeded by client_id"). The full
// public-name generator the original tool shipped is out of scope (§1);
// this is the small built-in stand-in the data model still requires, in
// the same adjective+noun-word-list shape as the teacher's EFF wordlist
// picker (pkg/client/utils.go), but deterministic rather than random so
// the same client_id always yields the same name.
package namegen

import (
	"crypto/sha256"
	"fmt"
)

var adjectives = []string{
	"amber", "brisk", "cedar", "dusky", "ember", "fleet", "gentle", "hollow",
	"indigo", "jovial", "keen", "lucid", "mellow", "nimble", "opal", "pale",
	"quiet", "russet", "silent", "tawny", "umber", "vivid", "willow", "yonder",
}

var nouns = []string{
	"otter", "falcon", "harbor", "ember", "thicket", "lantern", "meadow",
	"cobalt", "heron", "juniper", "kestrel", "lagoon", "mantle", "needle",
	"orchid", "pebble", "quartz", "ridge", "sparrow", "tundra", "violet",
	"willowisp", "xenon", "yarrow",
}

// DisplayNameFor deterministically derives an "adjective-noun-NNNN" name
// from clientID. The same clientID always yields the same name; distinct
// clientIDs yield distinct names with overwhelming probability.
func DisplayNameFor(clientID string) string {
	sum := sha256.Sum256([]byte("namegen-v1|" + clientID))
	adjIdx := (int(sum[0])<<8 | int(sum[1])) % len(adjectives)
	nounIdx := (int(sum[2])<<8 | int(sum[3])) % len(nouns)
	suffix := (int(sum[4])<<8 | int(sum[5])) % 10000
	return fmt.Sprintf("%s-%s-%04d", adjectives[adjIdx], nouns[nounIdx], suffix)
}
