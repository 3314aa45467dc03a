package auth

import "testing"

func TestHashAndCheckPassword(t *testing.T) {
	hash, err := HashPassword("s3cret-pass")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	if hash == "s3cret-pass" {
		t.Fatalf("hash must not equal the plaintext password")
	}
	if !CheckPassword("s3cret-pass", hash) {
		t.Fatalf("correct password should verify")
	}
	if CheckPassword("wrong-pass", hash) {
		t.Fatalf("wrong password should not verify")
	}
}

func TestCheckPasswordRejectsGarbageHash(t *testing.T) {
	if CheckPassword("anything", "not-a-bcrypt-hash") {
		t.Fatalf("garbage hash should not verify")
	}
}
