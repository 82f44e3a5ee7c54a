package constants

// DummyAPIKey is sent to OpenAI-compatible servers (OPENAI_BASE_URL) that
// accept any bearer token. The go-openai and langchaingo clients refuse an
// empty key.
const DummyAPIKey = "not-needed"
