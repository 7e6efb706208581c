package payments

import "errors"

var (
	// ErrWebhookSecretMissing means the signing secret is not configured. The
	// verifier fails closed in this case, it never accepts unverified bodies.
	ErrWebhookSecretMissing = errors.New("webhook signing secret is not configured")

	// ErrSignatureInvalid means the signature header does not match the HMAC
	// of the raw request body.
	ErrSignatureInvalid = errors.New("invalid webhook signature")

	// ErrMalformedPayload means the request body is not valid JSON at all.
	// Missing fields inside a well-formed body are not malformed payloads.
	ErrMalformedPayload = errors.New("malformed webhook payload")

	// ErrBuyerEmailMissing means the notification carried no buyer email, so
	// the payment cannot be attributed to a local user.
	ErrBuyerEmailMissing = errors.New("no buyer email in payment or order metadata")

	// ErrBookIDMissing means the notification carried no book reference in
	// its metadata or order note.
	ErrBookIDMissing = errors.New("no book_id in payment or order metadata")

	// ErrUserNotFound means the buyer email does not match a local user.
	ErrUserNotFound = errors.New("no user found for buyer email")

	// ErrBookNotFound means the referenced book does not exist locally.
	ErrBookNotFound = errors.New("no book found for referenced id")
)
