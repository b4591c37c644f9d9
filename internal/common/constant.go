package common

// AppName is used in notification subjects and outbound User-Agent headers.
const AppName = "FileDrop"

// AuthorizationHeaderName carries the admin bearer token.
const AuthorizationHeaderName = "Authorization"
