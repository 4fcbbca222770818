package response

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Authentication ────────────────────────────────────────────────
	ErrTokenRequired ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid  ErrCode = "TOKEN_INVALID"
	ErrTokenExpired  ErrCode = "TOKEN_EXPIRED"

	// ─── Authorization ─────────────────────────────────────────────────
	ErrStudentAccessOnly ErrCode = "STUDENT_ACCESS_ONLY"
	ErrProctorAccessOnly ErrCode = "PROCTOR_ACCESS_ONLY"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation      ErrCode = "VALIDATION_ERROR"
	ErrInvalidID       ErrCode = "INVALID_ID"
	ErrInvalidPayload  ErrCode = "INVALID_PAYLOAD"
	ErrUnknownCategory ErrCode = "UNKNOWN_VIOLATION_CATEGORY"

	// ─── Resources ─────────────────────────────────────────────────────
	ErrNotFound ErrCode = "NOT_FOUND"

	// ─── Quiz session ──────────────────────────────────────────────────
	ErrAlreadyAttempted  ErrCode = "ALREADY_ATTEMPTED"
	ErrOutsideWindow     ErrCode = "OUTSIDE_WINDOW"
	ErrSessionTerminated ErrCode = "SESSION_TERMINATED"
	ErrSessionCompleted  ErrCode = "SESSION_COMPLETED"
	ErrAlreadySubmitted  ErrCode = "ALREADY_SUBMITTED"

	// ─── Rate Limiting ─────────────────────────────────────────────────
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrInternal ErrCode = "INTERNAL_ERROR"
)

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	// ─── Authentication ────────────────────────────────────────────────
	case ErrTokenRequired:
		return "Token autentikasi diperlukan."
	case ErrTokenInvalid:
		return "Token autentikasi tidak valid."
	case ErrTokenExpired:
		return "Token autentikasi telah kedaluwarsa."

	// ─── Authorization ─────────────────────────────────────────────────
	case ErrStudentAccessOnly:
		return "Sumber daya ini terbatas untuk siswa."
	case ErrProctorAccessOnly:
		return "Sumber daya ini terbatas untuk pengawas."

	// ─── Validation ────────────────────────────────────────────────────
	case ErrValidation:
		return "Validasi gagal. Periksa kembali data yang dikirim."
	case ErrInvalidID:
		return "Format ID tidak valid."
	case ErrInvalidPayload:
		return "Payload permintaan tidak valid."
	case ErrUnknownCategory:
		return "Kategori pelanggaran tidak dikenal."

	// ─── Resources ─────────────────────────────────────────────────────
	case ErrNotFound:
		return "Sesi atau kuis tidak ditemukan."

	// ─── Quiz session ──────────────────────────────────────────────────
	case ErrAlreadyAttempted:
		return "Anda sudah menggunakan kesempatan mengerjakan kuis ini."
	case ErrOutsideWindow:
		return "Kuis ini tidak sedang dibuka."
	case ErrSessionTerminated:
		return "Sesi kuis telah dihentikan."
	case ErrSessionCompleted:
		return "Sesi kuis telah selesai."
	case ErrAlreadySubmitted:
		return "Jawaban untuk sesi ini sudah dikumpulkan."

	// ─── Rate Limiting ─────────────────────────────────────────────────
	case ErrRateLimitExceeded:
		return "Terlalu banyak permintaan. Silakan coba lagi nanti."

	// ─── Server ────────────────────────────────────────────────────────
	case ErrInternal:
		return "Terjadi kesalahan server internal."
	default:
		return "Terjadi kesalahan yang tidak terduga."
	}
}

// Retryable reports whether a client may silently retry a request that failed with code.
func Retryable(code ErrCode) bool {
	switch code {
	case ErrInternal, ErrRateLimitExceeded:
		return true
	}
	return false
}
