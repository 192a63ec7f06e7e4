package internal

import (
	"bitwise74/content-api/internal/repository"
	"bitwise74/content-api/internal/service"
	"bitwise74/content-api/internal/storage"

	"gorm.io/gorm"
)

type Deps struct {
	DB         *gorm.DB
	Store      *repository.Store
	Storage    storage.Gateway
	Uploads    *service.UploadCoordinator
	Pipeline   *service.Pipeline
	Files      *service.FileService
	Retention  *service.RetentionManager
	Dispatcher service.Dispatcher
}
