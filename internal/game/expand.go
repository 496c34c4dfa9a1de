package game

import "strings"

// Command placeholders.
const (
	VarID            = "{id}"
	VarUsername      = "{username}"
	VarName          = "{name}"
	VarCharacterName = "{playercharactername}"
)

// ExpandReference replaces {id} and {username} with the reference's
// command value.
func ExpandReference(cmd string, ref PlayerRef) string {
	v := ref.String()
	return strings.NewReplacer(VarID, v, VarUsername, v).Replace(cmd)
}

// ExpandOffline fills the placeholders of a command for a player who does
// not need to be online. It reports whether braces remain afterwards, which
// usually means a placeholder this game does not know.
func ExpandOffline(cmd string, p Player) (string, bool) {
	out := strings.NewReplacer(
		VarID, p.ID,
		VarUsername, p.Name,
		VarName, p.Name,
	).Replace(cmd)
	return out, strings.ContainsAny(out, "{}")
}
