package database

import (
	"fmt"

	"wanistream/app/config"
	"wanistream/app/logger"
	"wanistream/app/model"
	"wanistream/app/utils"

	"gorm.io/gorm"
)

// InitAdminUser 按配置初始化或同步管理员账户
func InitAdminUser(db *gorm.DB, cfg *config.Config, log *logger.Logger) error {
	if cfg.Server.Username == "" || cfg.Server.Password == "" {
		log.Errorf("配置文件中未设置管理员账户，请在配置文件中设置 username 和 password")
		return fmt.Errorf("管理员账户配置不能为空，请在配置文件中设置 server.username 和 server.password")
	}

	var admin model.User
	if err := db.Where("is_admin = ?", true).First(&admin).Error; err != nil {
		if err != gorm.ErrRecordNotFound {
			return fmt.Errorf("查询管理员账户失败: %w", err)
		}

		hashed, err := utils.HashPassword(cfg.Server.Password)
		if err != nil {
			return fmt.Errorf("哈希密码失败: %w", err)
		}
		admin = model.User{
			Username: cfg.Server.Username,
			Password: hashed,
			IsActive: true,
			IsAdmin:  true,
		}
		if err := db.Create(&admin).Error; err != nil {
			return fmt.Errorf("创建管理员账户失败: %w", err)
		}
		log.Infof("管理员账户 '%s' 创建成功", cfg.Server.Username)
		return nil
	}

	// 管理员已存在，同步用户名与密码
	changed := false
	if admin.Username != cfg.Server.Username {
		var conflict int64
		db.Model(&model.User{}).Where("username = ? AND id != ?", cfg.Server.Username, admin.ID).Count(&conflict)
		if conflict > 0 {
			return fmt.Errorf("用户名 '%s' 已被其他用户使用，无法更新管理员用户名", cfg.Server.Username)
		}
		log.Infof("管理员用户名从 '%s' 更新为 '%s'", admin.Username, cfg.Server.Username)
		admin.Username = cfg.Server.Username
		changed = true
	}
	if !utils.VerifyPassword(cfg.Server.Password, admin.Password) {
		hashed, err := utils.HashPassword(cfg.Server.Password)
		if err != nil {
			return fmt.Errorf("哈希密码失败: %w", err)
		}
		admin.Password = hashed
		changed = true
		log.Infof("管理员 '%s' 密码已更新", cfg.Server.Username)
	}
	if !changed {
		return nil
	}
	if err := db.Save(&admin).Error; err != nil {
		return fmt.Errorf("更新管理员账户失败: %w", err)
	}
	return nil
}
