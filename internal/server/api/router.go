package api

import (
	"github.com/gin-gonic/gin"

	"github.com/outpost-ops/outpost/internal/server/artifact"
	"github.com/outpost-ops/outpost/internal/server/hub"
)

// Services are the dependencies the HTTP surface is wired to.
type Services struct {
	Store     Store
	Hub       *hub.Hub
	Executor  Executor
	Artifacts artifact.Store
	// Local is set when the local artifact backend serves downloads
	// through this API instead of an external object store.
	Local *artifact.LocalStore
}

// SetupRoutes mounts every endpoint on the engine.
func SetupRoutes(engine *gin.Engine, srvs *Services, opts Options) {
	opts.fillDefaults()

	engine.Use(RequestLogger())

	health := NewHealthHandler(srvs.Store)
	engine.GET("/healthz", health.Check)

	beaconH := NewBeaconHandler(srvs.Store, srvs.Artifacts, srvs.Local, opts)
	wsH := NewWSHandler(srvs.Store, srvs.Hub, opts)

	beacon := engine.Group("/api/v1/beacon")
	// The socket authenticates itself with its first frame and download
	// links carry their own signature, so both stay outside BeaconAuth.
	beacon.GET("/ws", wsH.Serve)
	if srvs.Local != nil {
		beacon.GET("/update/download", beaconH.Download)
	}

	machine := beacon.Group("", BeaconAuth(srvs.Store))
	machine.POST("/register", beaconH.Register)
	machine.POST("/checkin", beaconH.Checkin)
	machine.POST("/result", beaconH.Result)
	machine.GET("/update/latest", beaconH.LatestUpdate)

	authH := NewAuthHandler(srvs.Store, opts.JWT)
	engine.POST("/api/v1/auth/login", authH.Login)

	operator := engine.Group("/api/v1", OperatorAuth(opts.JWT, opts.AdminKey))

	fleet := NewBeaconsHandler(srvs.Store, srvs.Hub, opts)
	operator.GET("/beacons", fleet.List)
	operator.GET("/beacons/:id", fleet.Get)
	operator.PATCH("/beacons/:id/policy", fleet.UpdatePolicy)

	cmds := NewCommandsHandler(srvs.Executor, srvs.Store)
	operator.POST("/commands", cmds.Execute)
	operator.GET("/commands", cmds.List)
	operator.GET("/commands/:id", cmds.Get)
	operator.POST("/commands/:id/cancel", cmds.Cancel)
	operator.GET("/approvals", cmds.ListApprovals)
	operator.POST("/approvals/:id", cmds.ResolveApproval)

	versions := NewVersionsHandler(srvs.Store, srvs.Artifacts)
	operator.POST("/versions", versions.Publish)
	operator.GET("/versions", versions.List)

	keys := NewKeysHandler(srvs.Store)
	operator.POST("/keys", keys.Create)
	operator.GET("/keys", keys.List)
	operator.DELETE("/keys/:id", keys.Revoke)

	admin := engine.Group("/api/v1", AdminKeyAuth(opts.AdminKey))
	admin.POST("/operators", authH.CreateOperator)
}
