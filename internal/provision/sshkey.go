// ABOUTME: Generates the ed25519 keypair used for cloud provisioning access.
// ABOUTME: Returns a PEM private key and the OpenSSH authorized_keys form.

package provision

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

// Keypair holds a provisioning key, freshly generated or loaded from disk.
type Keypair struct {
	PrivatePEM    []byte
	AuthorizedKey string
}

// GenerateKeypair creates an ed25519 keypair. The public half is returned in
// authorized_keys form for upload to a cloud provider; the private half is
// PEM-encoded OpenSSH format for the operator's data directory.
func GenerateKeypair(comment string) (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(priv, comment)
	if err != nil {
		return nil, fmt.Errorf("encoding private key: %w", err)
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("encoding public key: %w", err)
	}

	authorized := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub)))
	if comment != "" {
		authorized += " " + comment
	}

	return &Keypair{
		PrivatePEM:    pem.EncodeToMemory(block),
		AuthorizedKey: authorized,
	}, nil
}

// LoadOrCreateKeypair returns the provisioning keypair stored in dir,
// generating and persisting one on first use. The private key lands with
// mode 0600; the public half is kept alongside in authorized_keys form.
func LoadOrCreateKeypair(dir, comment string) (*Keypair, error) {
	privPath := filepath.Join(dir, "id_ed25519")
	pubPath := filepath.Join(dir, "id_ed25519.pub")

	priv, privErr := os.ReadFile(privPath)
	pub, pubErr := os.ReadFile(pubPath)
	if privErr == nil && pubErr == nil {
		return &Keypair{
			PrivatePEM:    priv,
			AuthorizedKey: strings.TrimSpace(string(pub)),
		}, nil
	}

	kp, err := GenerateKeypair(comment)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating key directory: %w", err)
	}
	if err := os.WriteFile(privPath, kp.PrivatePEM, 0o600); err != nil {
		return nil, fmt.Errorf("writing private key: %w", err)
	}
	if err := os.WriteFile(pubPath, []byte(kp.AuthorizedKey+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("writing public key: %w", err)
	}
	return kp, nil
}
