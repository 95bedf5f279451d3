package app

import "crypto/rand"

const envNameLetters = "abcdefghijklmnopqrstuvwxyz"

// RandomEnvironmentName synthesizes an environment name of five lowercase
// letters followed by three digits. Used only for freemium tenant plans,
// where the system names the environment instead of the caller.
func RandomEnvironmentName() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}

	out := make([]byte, 8)
	for i := 0; i < 5; i++ {
		out[i] = envNameLetters[int(b[i])%len(envNameLetters)]
	}
	for i := 5; i < 8; i++ {
		out[i] = '0' + b[i]%10
	}
	return string(out), nil
}
