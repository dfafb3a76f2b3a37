package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/weblate/tracim/backend/auth"
	"github.com/weblate/tracim/backend/live"
	"github.com/weblate/tracim/backend/migrations"
	"github.com/weblate/tracim/backend/services"
	"github.com/weblate/tracim/backend/storage"
	"github.com/weblate/tracim/utils"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

type tracimEnv struct {
	WebsiteBaseUrl string
	DatabaseUri    string
	StorageDir     string
	JwtSecret      string

	AdminEmail       string
	AdminDisplayName string
	AdminPassword    string

	SelfRegistration bool
	TokenValidity    time.Duration

	IdentityProvider      string
	KeycloakServerUrl     string
	KeycloakRealm         string
	KeycloakAdminUsername string
	keycloakAdminPassword string

	GripProxyUrl string
	GripProxyKey string
}

func optionalEnv(key string) string {
	return os.Getenv(key)
}

func loadEnvFile(envFile string) {
	slog.Info(fmt.Sprintf("loading env from file %v", envFile))
	err := godotenv.Load(envFile)
	if err != nil {
		log.Fatalf("error loading .env file '%v': %v", envFile, err)
	}
}

/**
 * ============================================================================
 * ==== All variables that are used by the server must be loaded here. This ===
 * ==== is to make the data flow clear so that a user can see what          ===
 * ==== variables are exposed, and how the values are propagated through    ===
 * ==== the system.                                                         ===
 * ============================================================================
 */
func loadEnv() tracimEnv {
	missingEnvs := []string{}

	requiredEnv := func(key string) string {
		env := os.Getenv(key)
		if env == "" {
			missingEnvs = append(missingEnvs, key)
			slog.Error("missing required env variable", "key", key)
		}
		return env
	}

	env := tracimEnv{
		WebsiteBaseUrl: requiredEnv("WEBSITE_BASE_URL"),
		DatabaseUri:    requiredEnv("DATABASE_URI"),
		StorageDir:     requiredEnv("STORAGE_DIR"),
		JwtSecret:      requiredEnv("JWT_SECRET"),

		AdminEmail:       requiredEnv("ADMIN_EMAIL"),
		AdminDisplayName: optionalEnv("ADMIN_DISPLAY_NAME"),
		AdminPassword:    requiredEnv("ADMIN_PASSWORD"),

		SelfRegistration: utils.BoolEnvVar("SELF_REGISTRATION"),
		TokenValidity:    time.Duration(utils.IntEnvVar("TOKEN_VALIDITY_MINUTES", 15)) * time.Minute,

		IdentityProvider:      optionalEnv("IDENTITY_PROVIDER"),
		KeycloakServerUrl:     optionalEnv("KEYCLOAK_SERVER_URL"),
		KeycloakRealm:         optionalEnv("KEYCLOAK_REALM"),
		KeycloakAdminUsername: optionalEnv("KEYCLOAK_ADMIN_USERNAME"),
		keycloakAdminPassword: optionalEnv("KEYCLOAK_ADMIN_PASSWORD"),

		GripProxyUrl: optionalEnv("GRIP_PROXY_URL"),
		GripProxyKey: optionalEnv("GRIP_PROXY_KEY"),
	}

	if env.IdentityProvider == "keycloak" {
		env.KeycloakServerUrl = requiredEnv("KEYCLOAK_SERVER_URL")
		env.KeycloakAdminUsername = requiredEnv("KEYCLOAK_ADMIN_USERNAME")
		env.keycloakAdminPassword = requiredEnv("KEYCLOAK_ADMIN_PASSWORD")
	}

	if len(missingEnvs) > 0 {
		log.Fatalf("missing required environment variables: %v", strings.Join(missingEnvs, ", "))
	}

	return env
}

func (env *tracimEnv) postgresDsn() string {
	parts, err := url.Parse(env.DatabaseUri)
	if err != nil {
		log.Fatalf("error parsing db uri: %v", err)
	}
	pwd, _ := parts.User.Password()
	dbname := strings.TrimPrefix(parts.Path, "/")
	return fmt.Sprintf("host=%v user=%v password=%v dbname=%v port=%v", parts.Hostname(), parts.User.Username(), pwd, dbname, parts.Port())
}

type settingsFile struct {
	AllowedPreviewDims []services.PreviewDim `yaml:"allowed_preview_dims"`
	MaxLiveStreams     int64                 `yaml:"max_live_streams"`
}

func loadVariables(settingsPath string, gripProxyKey string) services.Variables {
	variables := services.DefaultVariables()
	variables.GripProxyKey = []byte(gripProxyKey)

	if settingsPath == "" {
		return variables
	}

	data, err := os.ReadFile(settingsPath)
	if err != nil {
		log.Fatalf("error reading settings file '%v': %v", settingsPath, err)
	}

	var settings settingsFile
	if err := yaml.Unmarshal(data, &settings); err != nil {
		log.Fatalf("error parsing settings file '%v': %v", settingsPath, err)
	}

	if len(settings.AllowedPreviewDims) > 0 {
		variables.AllowedPreviewDims = settings.AllowedPreviewDims
	}
	if settings.MaxLiveStreams > 0 {
		variables.MaxLiveStreams = settings.MaxLiveStreams
	}

	return variables
}

func initLogging(logFile *os.File) {
	log.SetFlags(log.Lshortfile | log.Ltime | log.Ldate)
	log.SetOutput(io.MultiWriter(logFile, os.Stderr))
	slog.Info("logging initialized", "log_file", logFile.Name())
}

func initDb(dsn string) *gorm.DB {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatalf("error opening database connection: %v", err)
	}

	err = migrations.Migrate(db)
	if err != nil {
		log.Fatalf("error migrating db schema: %v", err)
	}

	return db
}

func main() {
	envFile := flag.String("env", "", "File to load env variables from. If not specified will just load them from the environment variables already defined.")
	settingsPath := flag.String("settings", "", "Optional yaml file overriding default server settings.")
	port := flag.Int("port", 8000, "Port to run server on")

	flag.Parse()

	if *envFile != "" {
		loadEnvFile(*envFile)
	}
	env := loadEnv()

	err := os.MkdirAll(filepath.Join(env.StorageDir, "logs/"), 0777)
	if err != nil {
		log.Fatalf("error creating log dir: %v", err)
	}

	logFile, err := os.OpenFile(filepath.Join(env.StorageDir, "logs/tracim.log"), os.O_CREATE|os.O_APPEND|os.O_RDWR, 0666)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}
	defer logFile.Close()

	auditLog, err := os.OpenFile(filepath.Join(env.StorageDir, "logs/audit.log"), os.O_CREATE|os.O_APPEND|os.O_RDWR, 0666)
	if err != nil {
		log.Fatalf("error opening audit log file: %v", err)
	}
	defer auditLog.Close()

	initLogging(logFile)

	db := initDb(env.postgresDsn())

	assetStorage := storage.NewLocalDisk(env.StorageDir)

	var identityProvider auth.IdentityProvider
	if env.IdentityProvider == "keycloak" {
		identityProvider, err = auth.NewRemoteIdentityProvider(
			db,
			auth.NewAuditLogger(auditLog),
			auth.RemoteProviderArgs{
				ServerUrl:               env.KeycloakServerUrl,
				Realm:                   env.KeycloakRealm,
				AdminUsername:           env.KeycloakAdminUsername,
				AdminPassword:           env.keycloakAdminPassword,
				InitialAdminEmail:       env.AdminEmail,
				InitialAdminDisplayName: env.AdminDisplayName,
				InitialAdminPassword:    env.AdminPassword,
			},
		)
		if err != nil {
			log.Fatalf("error creating keycloak identity provider: %v", err)
		}
	} else {
		identityProvider, err = auth.NewBasicIdentityProvider(
			db,
			auth.NewAuditLogger(auditLog),
			auth.BasicProviderArgs{
				Secret:           []byte(env.JwtSecret),
				AdminEmail:       env.AdminEmail,
				AdminDisplayName: env.AdminDisplayName,
				AdminPassword:    env.AdminPassword,
				SelfRegistration: env.SelfRegistration,
				TokenValidity:    env.TokenValidity,
			},
		)
		if err != nil {
			log.Fatalf("error creating basic identity provider: %v", err)
		}
	}

	var publisher live.Publisher
	if env.GripProxyUrl != "" {
		publisher = live.NewPublisher(env.GripProxyUrl)
	} else {
		slog.Info("no push proxy configured, live events will only be delivered on replay")
		publisher = live.NoopPublisher{}
	}

	server := services.NewServer(
		db,
		assetStorage,
		identityProvider,
		publisher,
		loadVariables(*settingsPath, env.GripProxyKey),
	)

	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{env.WebsiteBaseUrl},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Mount("/api", server.Routes())

	slog.Info("starting server", "port", *port)
	err = http.ListenAndServe(fmt.Sprintf(":%d", *port), r)
	if err != nil {
		log.Fatalf("listen and serve returned error: %v", err.Error())
	}
}
