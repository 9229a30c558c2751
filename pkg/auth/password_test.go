package auth

import "testing"

func TestHashAndCheckPassword(t *testing.T) {
	hash, err := HashPassword("s3cret-password")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	if hash == "s3cret-password" {
		t.Fatalf("hash must not equal plaintext")
	}
	if !CheckPassword("s3cret-password", hash) {
		t.Fatalf("expected bcrypt password check to pass")
	}
	if CheckPassword("wrong-password", hash) {
		t.Fatalf("expected bcrypt password check to fail")
	}
}

func TestCheckPasswordRejectsMalformedHash(t *testing.T) {
	if CheckPassword("anything", "not-a-bcrypt-hash") {
		t.Fatalf("malformed stored hash must not validate")
	}
}
