// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"

	"github.com/joeshaw/envdecode"
	"github.com/sirupsen/logrus"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/postbase/core/access"
	"github.com/relabs-tech/postbase/core/backend"
	"github.com/relabs-tech/postbase/core/csql"
	"github.com/relabs-tech/postbase/core/logger"
	"github.com/relabs-tech/postbase/core/rtdb"
	"github.com/relabs-tech/postbase/core/rules"
)

var configurationJSON string = `{
	"collections": [
	  {
		"resource": "user",
		"description": "application users"
	  },
	  {
		"resource": "post"
	  },
	  {
		"resource": "comment",
		"description": "comments, nested under posts"
	  }
	],
	"rules": {
	  "tables": {
		"user": {
		  "update": {"auth_matches_field": "id"},
		  "delete": {"auth_matches_field": "id"}
		}
	  },
	  "paths": [
		{
		  "path": "users/$uid",
		  "read": {"auth_matches_param": "uid"},
		  "write": {"auth_matches_param": "uid"}
		},
		{
		  "path": "users/$uid/$rest",
		  "read": {"auth_matches_param": "uid"},
		  "write": {"auth_matches_param": "uid"}
		},
		{
		  "path": "public/$rest",
		  "read": {"allow": true},
		  "write": {"auth": true}
		}
	  ]
	}
  }
`

// Service holds the configuration for this service
//
// use POSTGRES="host=localhost port=5432 user=postgres dbname=postgres sslmode=disable"
type Service struct {
	Postgres         string `env:"POSTGRES,required" description:"the connection string for the Postgres DB"`
	PostgresPassword string `env:"POSTGRES_PASSWORD,default=docker" description:"password to the Postgres DB"`
	Schema           string `env:"POSTBASE_SCHEMA,default=postbase" description:"the database schema"`
	Port             string `env:"PORT,default=3000" description:"the port to listen on"`
	LogLevel         string `env:"LOG_LEVEL,default=info" description:"one of panic, fatal, error, warn, info, debug, trace"`
	JwtSecret        string `env:"JWT_SECRET,default=" description:"HS256 secret; when set, JWT bearer tokens are accepted instead of session tokens"`
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}

	level, err := logrus.ParseLevel(service.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.InitLogger(level)
	rlog := logger.Default()

	db := csql.OpenWithSchema(service.Postgres, service.PostgresPassword, service.Schema)
	defer db.Close()

	router := mux.NewRouter()
	logger.AddRequestID(router)
	if service.JwtSecret != "" {
		router.Use(access.NewJwtMiddleware(&access.JwtMiddlewareBuilder{
			Key: []byte(service.JwtSecret),
		}))
	} else {
		router.Use(access.NewSessionMiddleware(&access.SessionMiddlewareBuilder{
			DB:    db,
			Cache: access.NewAuthCache(),
		}))
	}

	// the rules engine is shared between the generic collections and
	// the realtime tree
	var wrapper struct {
		Rules rules.Config `json:"rules"`
	}
	if err := json.Unmarshal([]byte(configurationJSON), &wrapper); err != nil {
		panic(err)
	}
	engine := rules.NewEngine(wrapper.Rules)

	// the tree routes come first, the generic collection routes would
	// otherwise capture them
	notifier := rtdb.NewNotifier()
	store := rtdb.NewStore(db, notifier)
	tree := rtdb.NewRouter(store, engine)
	tree.HandleRoutes("/rtdb", router)
	gateway := rtdb.NewGateway(notifier, engine)
	gateway.HandleRoute("/rtdb", router)

	backend.New(&backend.Builder{
		Config:       configurationJSON,
		DB:           db,
		Router:       router,
		Evaluator:    engine,
		UpdateSchema: true,
	})

	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{"POST", "GET", "OPTIONS", "PUT", "DELETE", "PATCH"}),
		handlers.AllowedHeaders([]string{"Accept", "Content-Type", "Content-Length", "Accept-Encoding", "Authorization"}),
	)

	server := &http.Server{
		Addr:    ":" + service.Port,
		Handler: cors(router),
	}
	go func() {
		rlog.Infoln("listen on port", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			rlog.WithError(err).Fatalln("cannot listen")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	rlog.Infoln("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	server.Shutdown(ctx)
	gateway.Close()
}
