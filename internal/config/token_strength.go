package config

import zxcvbn "github.com/ccojocar/zxcvbn-go"

const weakTokenScoreThreshold = 3

// IsWeakToken reports whether the admin token is guessable enough to warn
// about at startup. An empty token disables auth and is not scored.
func IsWeakToken(token string) bool {
	if token == "" {
		return false
	}
	result := zxcvbn.PasswordStrength(token, []string{"streamguard", "twitch"})
	return result.Score < weakTokenScoreThreshold
}
