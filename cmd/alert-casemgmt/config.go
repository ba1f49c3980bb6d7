package main

type flagType int
type flagMap map[flagType]string

const (
	listenAddress flagType = iota
	servicePort
	enableTracing
	corsOrigins

	policiesFile
	seedFile
	notificationsFile

	dbHost
	dbUser
	dbPassword
	dbPort
	dbName
	dbSSLMode

	jwtSecret
	omitPhoto
)
