package cnp

import "strings"

// NormalizeKey folds Windows path separators so keys recorded on different
// platforms address the same experiment.
func NormalizeKey(key string) string {
	return strings.ReplaceAll(key, `\`, "/")
}
