package identity

const (
	SelfLabel      = "You"
	AnonymousLabel = "Anonymous"
)

type Label struct {
	Text string `json:"text"`
	Self bool   `json:"self"`
}

// Attribute names the author of an answer as seen by viewer.
func Attribute(author, viewer Identity) Label {
	if author.Same(viewer) {
		return Label{Text: SelfLabel, Self: true}
	}
	if author.Kind == KindAnonymous {
		if author.Name == "" {
			return Label{Text: AnonymousLabel}
		}
		return Label{Text: author.Name}
	}
	return Label{Text: "User " + truncate(author.AccountID, 8) + "..."}
}

func truncate(value string, n int) string {
	runes := []rune(value)
	if len(runes) <= n {
		return value
	}
	return string(runes[:n])
}
